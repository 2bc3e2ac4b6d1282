package marrow

import "encoding/binary"

// Segment chunk layout: every document chunk stored on a Data page carries a
// 6-byte prefix before its payload: a kind byte (head or continuation) and
// the PageAddress of the next chunk (zero on the last chunk). Chaining at
// the segment level keeps NextPageID free for page-list bookkeeping and lets
// several documents share one page while each spills independently.
const (
	chunkKindHead byte = 0
	chunkKindCont byte = 1

	chunkPrefixSize = 1 + pageAddressSize
)

const pageAddressSize = 5

func putPageAddress(buf []byte, a PageAddress) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a.PageID))
	buf[4] = a.Index
}

func getPageAddress(buf []byte) PageAddress {
	return PageAddress{
		PageID: PageID(binary.LittleEndian.Uint32(buf[0:4])),
		Index:  buf[4],
	}
}

// maxChunkPayload is the largest document payload one chunk can carry.
const maxChunkPayload = PageSize - PageHeaderSize - slotSize - chunkPrefixSize

// DataService chains a document's serialized bytes across one or more Data
// pages: small documents live as a single slotted segment, larger ones
// continue into further segments linked by the chunk prefix.
type DataService struct{}

func NewDataService() *DataService { return &DataService{} }

// Insert serializes doc and writes it across as many chunks as needed,
// updating the collection's free-data-page buckets and returning the
// PageAddress of the document's first chunk (its RawID).
func (ds *DataService) Insert(snap *Snapshot, cat *CollectionCatalog, doc *Document) (PageAddress, error) {
	blob := doc.Marshal()

	chunks := splitChunks(blob)
	addrs := make([]PageAddress, len(chunks))
	pages := make([]*Page, len(chunks))
	for i, chunk := range chunks {
		kind := chunkKindCont
		if i == 0 {
			kind = chunkKindHead
		}
		seg := make([]byte, chunkPrefixSize+len(chunk))
		seg[0] = kind
		copy(seg[chunkPrefixSize:], chunk)
		page, idx, err := ds.placeChunk(snap, cat, seg)
		if err != nil {
			return PageAddress{}, err
		}
		addrs[i] = PageAddress{PageID: page.Header.PageID, Index: idx}
		pages[i] = page
	}

	// Back-patch each chunk's next pointer now that every chunk has landed.
	for i := 0; i < len(chunks)-1; i++ {
		off, _ := pages[i].readSlot(addrs[i].Index)
		putPageAddress(pages[i].Buf[int(off)+1:], addrs[i+1])
	}

	doc.RawID = addrs[0]
	return addrs[0], nil
}

func splitChunks(blob []byte) [][]byte {
	var chunks [][]byte
	for {
		n := min(len(blob), maxChunkPayload)
		chunks = append(chunks, blob[:n])
		blob = blob[n:]
		if len(blob) == 0 {
			return chunks
		}
	}
}

// placeChunk finds (or allocates) a Data page with room for seg and writes
// it as a new slotted segment, returning the page and the slot it landed at.
func (ds *DataService) placeChunk(snap *Snapshot, cat *CollectionCatalog, seg []byte) (*Page, uint8, error) {
	for b := freenessBucketCount - 1; b >= 0; b-- {
		pid := cat.FreeDataChain[b]
		if pid == 0 {
			continue
		}
		page, err := snap.GetWritablePage(pid)
		if err != nil {
			continue
		}
		if int(page.Header.FreeBytes()) < len(seg)+slotSize {
			continue
		}
		idx, err := page.InsertSegment(seg)
		if err != nil {
			continue
		}
		ds.rebucket(cat, page)
		return page, idx, nil
	}

	page, err := snap.NewPage(PageTypeData)
	if err != nil {
		return nil, 0, err
	}
	if cat.FirstDataPage == 0 {
		cat.FirstDataPage = page.Header.PageID
	}
	cat.LastDataPage = page.Header.PageID

	idx, err := page.InsertSegment(seg)
	if err != nil {
		return nil, 0, err
	}
	ds.rebucket(cat, page)
	return page, idx, nil
}

// rebucket places page's id into the free-data bucket matching its current
// fullness, evicting it from any bucket it previously occupied. The catalog
// keeps only the most recently touched page per bucket rather than a full
// linked list per bucket, trading perfect first-fit placement for O(1)
// bucket bookkeeping.
func (ds *DataService) rebucket(cat *CollectionCatalog, page *Page) {
	for b := range cat.FreeDataChain {
		if cat.FreeDataChain[b] == page.Header.PageID {
			cat.FreeDataChain[b] = 0
		}
	}
	if page.Header.FreeBytes() < chunkPrefixSize+slotSize {
		return
	}
	bucket := FreenessBucket(page.Header.FullnessPercent())
	cat.FreeDataChain[bucket] = page.Header.PageID
}

// Read follows the chunk chain starting at addr and reassembles the
// document. Chunk bytes are copied out of the shared page buffer before the
// next page fault, so no page reference outlives a single step of the walk.
func (ds *DataService) Read(snap *Snapshot, addr PageAddress) (*Document, error) {
	var blob []byte
	cur := addr
	for {
		page, err := snap.GetPage(cur.PageID)
		if err != nil {
			return nil, err
		}
		seg, err := page.GetSegment(cur.Index)
		if err != nil {
			return nil, err
		}
		if len(seg) < chunkPrefixSize {
			return nil, ErrInvalidDatafileState("data chunk shorter than its prefix")
		}
		if cur == addr && seg[0] != chunkKindHead {
			return nil, ErrInvalidDatafileState("data chain does not start at a head chunk")
		}
		next := getPageAddress(seg[1:])
		blob = append(blob, seg[chunkPrefixSize:]...)
		if next.IsZero() {
			break
		}
		cur = next
	}

	doc, err := UnmarshalDocument(blob)
	if err != nil {
		return nil, err
	}
	doc.RawID = addr
	return doc, nil
}

// Delete removes a document's chunks along its chain, freeing any page left
// completely empty (other than the collection's first data page, which
// stays as the chain anchor).
func (ds *DataService) Delete(snap *Snapshot, cat *CollectionCatalog, addr PageAddress) error {
	cur := addr
	for {
		page, err := snap.GetWritablePage(cur.PageID)
		if err != nil {
			return err
		}
		seg, err := page.GetSegment(cur.Index)
		if err != nil {
			return err
		}
		var next PageAddress
		if len(seg) >= chunkPrefixSize {
			next = getPageAddress(seg[1:])
		}
		if err := page.DeleteSegment(cur.Index); err != nil {
			return err
		}
		if page.Header.ItemsCount == 0 && page.Header.PageID != cat.FirstDataPage {
			for b := range cat.FreeDataChain {
				if cat.FreeDataChain[b] == page.Header.PageID {
					cat.FreeDataChain[b] = 0
				}
			}
			snap.FreePage(page.Header.PageID)
		} else {
			if page.Header.FragmentedBytes > PageSize/4 {
				page.Defragment()
			}
			ds.rebucket(cat, page)
		}
		if next.IsZero() {
			return nil
		}
		cur = next
	}
}
