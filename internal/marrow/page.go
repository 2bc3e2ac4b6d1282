package marrow

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the fixed size of every page in the DATA and LOG streams, 8KB.
const PageSize = 8192

// PageHeaderSize is the on-disk size of the common page header described in
// the binary format: pageID|pageType|prevPageID|nextPageID|itemsCount|
// usedBytes|fragmentedBytes|nextFreePos|highestIndex|colID|transactionID|
// isConfirmed.
const PageHeaderSize = 4 + 1 + 4 + 4 + 1 + 2 + 2 + 2 + 1 + 4 + 4 + 1

// slotSize is the on-disk size of one slot directory entry (offset, length),
// both little-endian uint16.
const slotSize = 4

// PageType tags the variant a page currently holds. A pageID is never
// rewritten to a different type without first passing through PageTypeEmpty.
type PageType uint8

// Empty is deliberately the zero value, so a never-written page image
// decodes as Empty.
const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeIndex
	PageTypeData
	PageTypeVectorIndex
)

func (t PageType) String() string {
	switch t {
	case PageTypeHeader:
		return "header"
	case PageTypeCollection:
		return "collection"
	case PageTypeData:
		return "data"
	case PageTypeIndex:
		return "index"
	case PageTypeVectorIndex:
		return "vector-index"
	case PageTypeEmpty:
		return "empty"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// PageID identifies a page uniquely and permanently within the DATA file's
// logical address space. HeaderPage.LastPageID+1 equals the logical page
// count of the DATA file.
type PageID uint32

// PageAddress identifies a slotted item inside a page: the page it lives on
// and its index in that page's slot directory.
type PageAddress struct {
	PageID PageID
	Index  uint8
}

func (a PageAddress) IsZero() bool { return a.PageID == 0 && a.Index == 0 }

func (a PageAddress) String() string {
	return fmt.Sprintf("%d:%d", a.PageID, a.Index)
}

// PageHeader is the common prefix of every page, decoded once per page and
// re-encoded on every write.
type PageHeader struct {
	PageID          PageID
	Type            PageType
	PrevPageID      PageID // 0 means none
	NextPageID      PageID // 0 means none
	ItemsCount      uint8  // number of currently-live segments
	UsedBytes       uint16 // bytes occupied by live segment data (excludes header and slot directory)
	FragmentedBytes uint16 // bytes lost to deleted segments not yet reclaimed by Defragment
	NextFreePos     uint16 // offset of the first free byte after the last segment
	HighestIndex    uint8  // count of slots ever allocated on this page; slot indices in [0, HighestIndex)
	ColID           PageID // owning collection's page ID; 0 on the header/empty pages
	TransactionID   uint32 // stamped by the writer that produced this version
	IsConfirmed     bool   // set on the final page of a committed LOG batch
}

func (h PageHeader) FreeBytes() uint16 {
	slotsArea := int(h.HighestIndex) * slotSize
	used := int(h.UsedBytes) + int(h.FragmentedBytes) + slotsArea
	free := PageSize - PageHeaderSize - used
	if free < 0 {
		return 0
	}
	return uint16(free)
}

// FullnessPercent reports how full the page is, used to place it in the
// collection's free-space buckets (§4.5).
func (h PageHeader) FullnessPercent() int {
	usable := PageSize - PageHeaderSize
	if usable <= 0 {
		return 100
	}
	occupied := usable - int(h.FreeBytes())
	return occupied * 100 / usable
}

func encodePageHeader(buf []byte, h PageHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.PageID))
	buf[4] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(h.PrevPageID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(h.NextPageID))
	buf[13] = h.ItemsCount
	binary.LittleEndian.PutUint16(buf[14:16], h.UsedBytes)
	binary.LittleEndian.PutUint16(buf[16:18], h.FragmentedBytes)
	binary.LittleEndian.PutUint16(buf[18:20], h.NextFreePos)
	buf[20] = h.HighestIndex
	binary.LittleEndian.PutUint32(buf[21:25], uint32(h.ColID))
	binary.LittleEndian.PutUint32(buf[25:29], h.TransactionID)
	if h.IsConfirmed {
		buf[29] = 1
	} else {
		buf[29] = 0
	}
}

func decodePageHeader(buf []byte) PageHeader {
	return PageHeader{
		PageID:          PageID(binary.LittleEndian.Uint32(buf[0:4])),
		Type:            PageType(buf[4]),
		PrevPageID:      PageID(binary.LittleEndian.Uint32(buf[5:9])),
		NextPageID:      PageID(binary.LittleEndian.Uint32(buf[9:13])),
		ItemsCount:      buf[13],
		UsedBytes:       binary.LittleEndian.Uint16(buf[14:16]),
		FragmentedBytes: binary.LittleEndian.Uint16(buf[16:18]),
		NextFreePos:     binary.LittleEndian.Uint16(buf[18:20]),
		HighestIndex:    buf[20],
		ColID:           PageID(binary.LittleEndian.Uint32(buf[21:25])),
		TransactionID:   binary.LittleEndian.Uint32(buf[25:29]),
		IsConfirmed:     buf[29] != 0,
	}
}

// Page is a single 8KB in-memory buffer with a decoded header and, per the
// design note on modelling page polymorphism as a tagged variant rather than
// inheritance, at most one populated body matching Header.Type.
type Page struct {
	Header PageHeader
	Buf    [PageSize]byte

	// Collection is the decoded catalog when Header.Type is
	// PageTypeCollection, attached lazily by the snapshot. Index and
	// vector nodes are decoded per slot on demand by their services, so
	// those variants carry no eager body here.
	Collection *CollectionCatalog
}

// NewEmptyPage returns a zeroed page of the given type and id, header
// initialized with an empty slot directory.
func NewEmptyPage(id PageID, typ PageType) *Page {
	return &Page{Header: PageHeader{
		PageID:      id,
		Type:        typ,
		NextFreePos: PageHeaderSize,
	}}
}

// LoadPage decodes a page's header from a raw PAGE_SIZE buffer. The caller
// is responsible for further decoding the body via the appropriate
// per-variant decoder once Header.Type is known.
func LoadPage(raw []byte) (*Page, error) {
	if len(raw) != PageSize {
		return nil, ErrInvalidDatafileState(fmt.Sprintf("page buffer size %d != %d", len(raw), PageSize))
	}
	p := &Page{Header: decodePageHeader(raw)}
	copy(p.Buf[:], raw)
	return p, nil
}

// Clone returns a deep copy, used when publishing a writable buffer into the
// cache's readable map or handing a page to a snapshot's local dirty set.
func (p *Page) Clone() *Page {
	cp := &Page{Header: p.Header, Buf: p.Buf}
	return cp
}

// Bytes re-encodes the header into Buf and returns the full page image ready
// for writing to LOG or DATA.
func (p *Page) Bytes() []byte {
	encodePageHeader(p.Buf[:PageHeaderSize], p.Header)
	return p.Buf[:]
}

// Reset clears a page back to the Empty state, as happens when it is
// chained onto the free-empty list.
func (p *Page) Reset(id PageID) {
	p.Header = PageHeader{PageID: id, Type: PageTypeEmpty, NextFreePos: PageHeaderSize}
	for i := range p.Buf {
		p.Buf[i] = 0
	}
	p.Collection = nil
}

// ---------- slotted page segment/slot directory ----------
//
// Segments grow from PageHeaderSize upward; the slot directory grows from
// the page tail downward. Each slot is (offset uint16, length uint16). A
// zero-length slot marks a deleted segment whose bytes have not yet been
// reclaimed by Defragment.

func (p *Page) slotOffset(index uint8) int {
	return PageSize - (int(index)+1)*slotSize
}

func (p *Page) readSlot(index uint8) (offset, length uint16) {
	o := p.slotOffset(index)
	return binary.LittleEndian.Uint16(p.Buf[o : o+2]), binary.LittleEndian.Uint16(p.Buf[o+2 : o+4])
}

func (p *Page) writeSlot(index uint8, offset, length uint16) {
	o := p.slotOffset(index)
	binary.LittleEndian.PutUint16(p.Buf[o:o+2], offset)
	binary.LittleEndian.PutUint16(p.Buf[o+2:o+4], length)
}

// InsertSegment appends data as a new slotted segment, reusing a deleted
// slot's index if one is free, else allocating the next index. Returns the
// slot index the caller addresses the segment by via PageAddress.
func (p *Page) InsertSegment(data []byte) (uint8, error) {
	need := len(data)
	if need > 0xFFFF {
		return 0, fmt.Errorf("page %d: segment of %d bytes too large for a single page", p.Header.PageID, need)
	}
	// Reusing a deleted slot costs no extra slot-directory space.
	for i := uint8(0); i < p.Header.HighestIndex; i++ {
		if _, length := p.readSlot(i); length == 0 {
			if need > int(p.Header.FreeBytes()) {
				return 0, fmt.Errorf("page %d: not enough free space: need %d, have %d", p.Header.PageID, need, p.Header.FreeBytes())
			}
			p.writeSegmentAt(i, data)
			return i, nil
		}
	}
	if need+slotSize > int(p.Header.FreeBytes()) {
		return 0, fmt.Errorf("page %d: not enough free space: need %d, have %d", p.Header.PageID, need+slotSize, p.Header.FreeBytes())
	}
	if p.Header.HighestIndex == 0xFF {
		return 0, fmt.Errorf("page %d: slot directory full", p.Header.PageID)
	}
	idx := p.Header.HighestIndex
	p.Header.HighestIndex++
	p.writeSegmentAt(idx, data)
	return idx, nil
}

func (p *Page) writeSegmentAt(idx uint8, data []byte) {
	off := p.Header.NextFreePos
	copy(p.Buf[off:int(off)+len(data)], data)
	p.writeSlot(idx, off, uint16(len(data)))
	p.Header.NextFreePos += uint16(len(data))
	p.Header.UsedBytes += uint16(len(data))
	p.Header.ItemsCount++
}

// GetSegment returns the bytes stored at a slot index.
func (p *Page) GetSegment(index uint8) ([]byte, error) {
	off, length := p.readSlot(index)
	if length == 0 {
		return nil, fmt.Errorf("page %d: slot %d is empty", p.Header.PageID, index)
	}
	return p.Buf[off : off+length], nil
}

// DeleteSegment marks a slot as free; its bytes become fragmented space
// reclaimed only by Defragment.
func (p *Page) DeleteSegment(index uint8) error {
	_, length := p.readSlot(index)
	if length == 0 {
		return fmt.Errorf("page %d: slot %d already empty", p.Header.PageID, index)
	}
	p.writeSlot(index, 0, 0)
	p.Header.FragmentedBytes += length
	p.Header.UsedBytes -= length
	p.Header.ItemsCount--
	return nil
}

// Defragment compacts live segments to eliminate fragmentation, preserving
// slot indices so PageAddress values referencing this page remain valid.
func (p *Page) Defragment() {
	type liveSeg struct {
		idx    uint8
		data   []byte
		length uint16
	}
	segs := make([]liveSeg, 0, p.Header.ItemsCount)
	for i := uint8(0); i < p.Header.HighestIndex; i++ {
		off, length := p.readSlot(i)
		if length == 0 {
			continue
		}
		data := make([]byte, length)
		copy(data, p.Buf[off:off+length])
		segs = append(segs, liveSeg{idx: i, data: data, length: length})
	}
	pos := uint16(PageHeaderSize)
	for _, s := range segs {
		copy(p.Buf[pos:int(pos)+len(s.data)], s.data)
		p.writeSlot(s.idx, pos, s.length)
		pos += s.length
	}
	p.Header.NextFreePos = pos
	p.Header.FragmentedBytes = 0
}
