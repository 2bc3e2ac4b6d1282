package marrow

import (
	"math/rand"
)

// MaxIndexLevels caps a skiplist node's tower height.
const MaxIndexLevels = 32

// MaxIndexKeyLength bounds the serialized size of a single index key.
const MaxIndexKeyLength = 1023

// Skiplist node segment layout, fixed-offset prefix so pointer updates can
// be patched in place without resizing the slotted segment:
//
//	levelCount  u8            offset 0
//	prev        PageAddress   offset 1
//	dataBlock   PageAddress   offset 6
//	next[level] PageAddress   offset 11 + 5*level
//	key         encodeValue   offset 11 + 5*levelCount
const (
	nodePrevOff      = 1
	nodeDataBlockOff = 6
	nodeNextOff      = 11
)

// IndexNode is the decoded form of one skiplist node. Key and pointer
// values are copied out of the page buffer at decode time, so a node handle
// stays valid after the page it came from is released.
type IndexNode struct {
	Addr      PageAddress
	Key       BsonValue
	DataBlock PageAddress
	Prev      PageAddress
	Next      []PageAddress
}

func (n *IndexNode) levelCount() int { return len(n.Next) }

func marshalIndexNode(n *IndexNode) []byte {
	buf := make([]byte, nodeNextOff+pageAddressSize*len(n.Next), nodeNextOff+pageAddressSize*len(n.Next)+32)
	buf[0] = uint8(len(n.Next))
	putPageAddress(buf[nodePrevOff:], n.Prev)
	putPageAddress(buf[nodeDataBlockOff:], n.DataBlock)
	for i, a := range n.Next {
		putPageAddress(buf[nodeNextOff+pageAddressSize*i:], a)
	}
	return encodeValue(buf, n.Key)
}

func unmarshalIndexNode(addr PageAddress, seg []byte) (*IndexNode, error) {
	if len(seg) < nodeNextOff {
		return nil, ErrInvalidDatafileState("index node segment too short")
	}
	levels := int(seg[0])
	if levels < 1 || levels > MaxIndexLevels {
		return nil, ErrInvalidDatafileState("index node has invalid level count")
	}
	keyOff := nodeNextOff + pageAddressSize*levels
	if len(seg) < keyOff {
		return nil, ErrInvalidDatafileState("index node segment truncated")
	}
	n := &IndexNode{
		Addr:      addr,
		Prev:      getPageAddress(seg[nodePrevOff:]),
		DataBlock: getPageAddress(seg[nodeDataBlockOff:]),
		Next:      make([]PageAddress, levels),
	}
	for i := 0; i < levels; i++ {
		n.Next[i] = getPageAddress(seg[nodeNextOff+pageAddressSize*i:])
	}
	key, _, err := decodeValue(seg, keyOff)
	if err != nil {
		return nil, err
	}
	n.Key = key
	return n, nil
}

// IndexService maintains the ordered skiplist indexes of one collection
// within one transaction's snapshot.
type IndexService struct {
	snap      *Snapshot
	collation Collation
}

func NewIndexService(snap *Snapshot, collation Collation) *IndexService {
	return &IndexService{snap: snap, collation: collation}
}

// randomHeight samples a tower height from a geometric distribution with
// p=0.5, capped at MaxIndexLevels.
func randomHeight() int {
	h := 1
	for r := rand.Uint64(); h < MaxIndexLevels && r&1 == 1; r >>= 1 {
		h++
	}
	return h
}

// Create allocates the head and tail sentinel nodes of a fresh index and
// records their addresses in entry. The head carries MinValue at full
// height with every level pointing at the tail (MaxValue), so the level-0
// walk of an empty index is head -> tail.
func (ix *IndexService) Create(cat *CollectionCatalog, entry *IndexEntry) error {
	tail := &IndexNode{Key: MaxValue(), Next: make([]PageAddress, 1)}
	tailAddr, err := ix.placeNode(cat, marshalIndexNode(tail))
	if err != nil {
		return err
	}
	head := &IndexNode{Key: MinValue(), Next: make([]PageAddress, MaxIndexLevels)}
	for i := range head.Next {
		head.Next[i] = tailAddr
	}
	headAddr, err := ix.placeNode(cat, marshalIndexNode(head))
	if err != nil {
		return err
	}
	if err := ix.patchPrev(tailAddr, headAddr); err != nil {
		return err
	}
	entry.Head = headAddr
	entry.Tail = tailAddr
	return nil
}

// NodeAt decodes the skiplist node stored at addr.
func (ix *IndexService) NodeAt(addr PageAddress) (*IndexNode, error) {
	page, err := ix.snap.GetPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	if page.Header.Type != PageTypeIndex {
		return nil, ErrPageTypeMismatch(PageTypeIndex, page.Header.Type)
	}
	seg, err := page.GetSegment(addr.Index)
	if err != nil {
		return nil, err
	}
	return unmarshalIndexNode(addr, seg)
}

// Insert adds (key, dataBlock) to the index, rejecting duplicates on a
// unique index. Equal keys on a non-unique index are appended after the
// existing run, so level-0 order within a run is insertion order.
func (ix *IndexService) Insert(cat *CollectionCatalog, entry *IndexEntry, key BsonValue, dataBlock PageAddress) (*IndexNode, error) {
	if keyLen := len(encodeValue(nil, key)); keyLen > MaxIndexKeyLength {
		return nil, ErrIndexKeyTooLong(entry.Name)
	}

	preds, err := ix.findPredecessors(entry, key)
	if err != nil {
		return nil, err
	}

	succ, err := ix.NodeAt(preds[0].Next[0])
	if err != nil {
		return nil, err
	}
	if succ.Key.Compare(key, ix.collation) == 0 {
		if entry.Unique {
			return nil, ErrIndexDuplicateKey(entry.Name, key)
		}
		// Walk past the equal run at every level so the new node lands at
		// its end.
		for lvl := MaxIndexLevels - 1; lvl >= 0; lvl-- {
			for {
				nxt, err := ix.NodeAt(preds[lvl].Next[lvl])
				if err != nil {
					return nil, err
				}
				if nxt.Addr == entry.Tail || nxt.Key.Compare(key, ix.collation) != 0 {
					break
				}
				preds[lvl] = nxt
			}
		}
	}

	height := randomHeight()
	node := &IndexNode{
		Key:       key,
		DataBlock: dataBlock,
		Prev:      preds[0].Addr,
		Next:      make([]PageAddress, height),
	}
	for lvl := 0; lvl < height; lvl++ {
		node.Next[lvl] = preds[lvl].Next[lvl]
	}
	addr, err := ix.placeNode(cat, marshalIndexNode(node))
	if err != nil {
		return nil, err
	}
	node.Addr = addr

	for lvl := 0; lvl < height; lvl++ {
		if err := ix.patchNext(preds[lvl].Addr, lvl, addr); err != nil {
			return nil, err
		}
	}
	if err := ix.patchPrev(node.Next[0], addr); err != nil {
		return nil, err
	}
	return node, nil
}

// Find returns the first node whose key compares equal under the active
// collation, or false if none exists.
func (ix *IndexService) Find(entry *IndexEntry, key BsonValue) (*IndexNode, bool, error) {
	preds, err := ix.findPredecessors(entry, key)
	if err != nil {
		return nil, false, err
	}
	n, err := ix.NodeAt(preds[0].Next[0])
	if err != nil {
		return nil, false, err
	}
	if n.Addr == entry.Tail || n.Key.Compare(key, ix.collation) != 0 {
		return nil, false, nil
	}
	return n, true, nil
}

// Delete unlinks the node in key's equal run whose dataBlock matches,
// reporting whether one was found.
func (ix *IndexService) Delete(cat *CollectionCatalog, entry *IndexEntry, key BsonValue, dataBlock PageAddress) (bool, error) {
	preds, err := ix.findPredecessors(entry, key)
	if err != nil {
		return false, err
	}

	// Locate the target inside the equal run at level 0.
	var target *IndexNode
	cur := preds[0]
	for {
		n, err := ix.NodeAt(cur.Next[0])
		if err != nil {
			return false, err
		}
		if n.Addr == entry.Tail || n.Key.Compare(key, ix.collation) != 0 {
			return false, nil
		}
		if n.DataBlock == dataBlock {
			target = n
			break
		}
		cur = n
	}

	// Re-walk each level forward to the target's true predecessor there; a
	// run member before the target may carry a taller tower than preds has.
	for lvl := target.levelCount() - 1; lvl >= 0; lvl-- {
		p := preds[lvl]
		for p.Next[lvl] != target.Addr {
			n, err := ix.NodeAt(p.Next[lvl])
			if err != nil {
				return false, err
			}
			if n.Addr == entry.Tail || n.Key.Compare(key, ix.collation) > 0 {
				return false, ErrInvalidDatafileState("index node missing from its level chain")
			}
			p = n
		}
		if err := ix.patchNext(p.Addr, lvl, target.Next[lvl]); err != nil {
			return false, err
		}
	}
	if err := ix.patchPrev(target.Next[0], target.Prev); err != nil {
		return false, err
	}
	return true, ix.removeNode(cat, target.Addr)
}

// Ascend walks level 0 in key order, invoking fn for every live node until
// fn returns false or the tail is reached.
func (ix *IndexService) Ascend(entry *IndexEntry, fn func(*IndexNode) (bool, error)) error {
	head, err := ix.NodeAt(entry.Head)
	if err != nil {
		return err
	}
	cur := head.Next[0]
	for cur != entry.Tail {
		n, err := ix.NodeAt(cur)
		if err != nil {
			return err
		}
		keep, err := fn(n)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
		cur = n.Next[0]
	}
	return nil
}

// Descend walks level 0 in reverse key order via prev pointers.
func (ix *IndexService) Descend(entry *IndexEntry, fn func(*IndexNode) (bool, error)) error {
	tail, err := ix.NodeAt(entry.Tail)
	if err != nil {
		return err
	}
	cur := tail.Prev
	for cur != entry.Head {
		n, err := ix.NodeAt(cur)
		if err != nil {
			return err
		}
		keep, err := fn(n)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
		cur = n.Prev
	}
	return nil
}

// Range walks nodes with min <= key <= max in ascending order, stopping at
// the first key outside the bound.
func (ix *IndexService) Range(entry *IndexEntry, minKey, maxKey BsonValue, fn func(*IndexNode) (bool, error)) error {
	preds, err := ix.findPredecessors(entry, minKey)
	if err != nil {
		return err
	}
	cur := preds[0].Next[0]
	for cur != entry.Tail {
		n, err := ix.NodeAt(cur)
		if err != nil {
			return err
		}
		if n.Key.Compare(maxKey, ix.collation) > 0 {
			return nil
		}
		keep, err := fn(n)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
		cur = n.Next[0]
	}
	return nil
}

// Drop removes every node of the index, sentinels included, freeing index
// pages left empty.
func (ix *IndexService) Drop(cat *CollectionCatalog, entry *IndexEntry) error {
	cur := entry.Head
	for {
		n, err := ix.NodeAt(cur)
		if err != nil {
			return err
		}
		next := PageAddress{}
		if len(n.Next) > 0 {
			next = n.Next[0]
		}
		if err := ix.removeNode(cat, cur); err != nil {
			return err
		}
		if cur == entry.Tail || next.IsZero() {
			return nil
		}
		cur = next
	}
}

// findPredecessors descends from the head, returning for every level the
// last node whose key compares strictly less than key (the head sentinel
// where no such node exists).
func (ix *IndexService) findPredecessors(entry *IndexEntry, key BsonValue) ([MaxIndexLevels]*IndexNode, error) {
	var preds [MaxIndexLevels]*IndexNode
	cur, err := ix.NodeAt(entry.Head)
	if err != nil {
		return preds, err
	}
	for lvl := MaxIndexLevels - 1; lvl >= 0; lvl-- {
		// Every node reached while traversing level lvl has a tower at
		// least lvl+1 tall, so indexing cur.Next[lvl] is always in range.
		for {
			nextAddr := cur.Next[lvl]
			if nextAddr == entry.Tail {
				break
			}
			n, err := ix.NodeAt(nextAddr)
			if err != nil {
				return preds, err
			}
			if n.Key.Compare(key, ix.collation) >= 0 {
				break
			}
			cur = n
		}
		preds[lvl] = cur
	}
	return preds, nil
}

// placeNode writes a node segment onto an Index page with room, preferring
// the collection's free-index page before allocating a new one.
func (ix *IndexService) placeNode(cat *CollectionCatalog, seg []byte) (PageAddress, error) {
	if pid := cat.FreeIndexHead; pid != 0 {
		page, err := ix.snap.GetWritablePage(pid)
		if err == nil && page.Header.Type == PageTypeIndex && int(page.Header.FreeBytes()) >= len(seg)+slotSize {
			idx, err := page.InsertSegment(seg)
			if err == nil {
				if page.Header.FreeBytes() < nodeNextOff+pageAddressSize+slotSize {
					cat.FreeIndexHead = 0
				}
				return PageAddress{PageID: pid, Index: idx}, nil
			}
		}
	}
	page, err := ix.snap.NewPage(PageTypeIndex)
	if err != nil {
		return PageAddress{}, err
	}
	idx, err := page.InsertSegment(seg)
	if err != nil {
		return PageAddress{}, err
	}
	cat.FreeIndexHead = page.Header.PageID
	return PageAddress{PageID: page.Header.PageID, Index: idx}, nil
}

// removeNode deletes a node's segment, freeing its page once empty and
// otherwise re-registering it as the free-index page.
func (ix *IndexService) removeNode(cat *CollectionCatalog, addr PageAddress) error {
	page, err := ix.snap.GetWritablePage(addr.PageID)
	if err != nil {
		return err
	}
	if err := page.DeleteSegment(addr.Index); err != nil {
		return err
	}
	if page.Header.ItemsCount == 0 {
		if cat.FreeIndexHead == page.Header.PageID {
			cat.FreeIndexHead = 0
		}
		ix.snap.FreePage(page.Header.PageID)
		return nil
	}
	if page.Header.FragmentedBytes > PageSize/4 {
		page.Defragment()
	}
	if cat.FreeIndexHead == 0 {
		cat.FreeIndexHead = page.Header.PageID
	}
	return nil
}

// patchNext rewrites one next pointer of the node at addr in place.
func (ix *IndexService) patchNext(addr PageAddress, level int, target PageAddress) error {
	page, err := ix.snap.GetWritablePage(addr.PageID)
	if err != nil {
		return err
	}
	off, length := page.readSlot(addr.Index)
	if length == 0 {
		return ErrInvalidDatafileState("index node slot is empty")
	}
	putPageAddress(page.Buf[int(off)+nodeNextOff+pageAddressSize*level:], target)
	return nil
}

// patchPrev rewrites the prev pointer of the node at addr in place.
func (ix *IndexService) patchPrev(addr PageAddress, target PageAddress) error {
	page, err := ix.snap.GetWritablePage(addr.PageID)
	if err != nil {
		return err
	}
	off, length := page.readSlot(addr.Index)
	if length == 0 {
		return ErrInvalidDatafileState("index node slot is empty")
	}
	putPageAddress(page.Buf[int(off)+nodePrevOff:], target)
	return nil
}
