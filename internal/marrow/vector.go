package marrow

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sort"

	"github.com/marrowdb/marrow/pkg/bitwise"
)

// Graph policy. Nodes carry up to MaxVectorLevels layers of at most
// MaxNeighborsPerLevel links each. Insertion greedily descends from the
// entry node to the new node's top layer, then connects it to the nearest
// candidates found by a bounded best-first expansion per layer, adding
// backlinks and pruning overfull neighbor lists by distance; the backlink
// to the single nearest candidate is always kept, so every node stays
// reachable from an older one and the layer-0 graph stays connected.
// Search greedily descends to layer 0 and then expands the whole connected
// component with a visited set; when the graph holds at most
// fullScanThreshold nodes it scans the insertion-order chain instead.
// Either way results are exact, never a superset of the true k-nearest.
const (
	MaxVectorLevels      = 4
	MaxNeighborsPerLevel = 8

	searchExpansion   = 32
	fullScanThreshold = 64
)

// VectorMetric selects the distance function a vector index orders by.
type VectorMetric uint8

const (
	VectorMetricCosine VectorMetric = iota
	VectorMetricEuclidean
	VectorMetricDot
)

func (m VectorMetric) String() string {
	switch m {
	case VectorMetricEuclidean:
		return "euclidean"
	case VectorMetricDot:
		return "dot"
	default:
		return "cosine"
	}
}

// Distance computes the metric's distance, lower is nearer. Dot product is
// negated so it orders the same way as the true distances.
func (m VectorMetric) Distance(a, b []float32) float64 {
	switch m {
	case VectorMetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	case VectorMetricDot:
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return -dot
	default:
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			na += float64(a[i]) * float64(a[i])
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

// Vector node segment layout, fixed offsets so neighbor links patch in
// place:
//
//	levelCount u8           offset 0
//	dataBlock  PageAddress  offset 1
//	chainNext  PageAddress  offset 6
//	mask       u64          offset 11  (bit level*8+slot set = slot occupied)
//	neighbors  PageAddress  offset 19 + 5*(level*8+slot)
//	dims       u16          offset 19 + 40*levelCount
//	vector     f32*dims
const (
	vnodeDataBlockOff = 1
	vnodeChainOff     = 6
	vnodeMaskOff      = 11
	vnodeNeighborsOff = 19
)

// VectorNode is the decoded form of one graph node.
type VectorNode struct {
	Addr      PageAddress
	DataBlock PageAddress
	ChainNext PageAddress
	Levels    int
	Mask      uint64
	Neighbors [][]PageAddress // Neighbors[level] holds only occupied slots
	Vector    []float32
}

func marshalVectorNode(n *VectorNode) []byte {
	size := vnodeNeighborsOff + pageAddressSize*MaxNeighborsPerLevel*n.Levels + 2 + 4*len(n.Vector)
	buf := make([]byte, size)
	buf[0] = uint8(n.Levels)
	putPageAddress(buf[vnodeDataBlockOff:], n.DataBlock)
	putPageAddress(buf[vnodeChainOff:], n.ChainNext)
	mask := uint64(0)
	for lvl, links := range n.Neighbors {
		for slot, a := range links {
			mask = bitwise.Set(mask, lvl*MaxNeighborsPerLevel+slot)
			putPageAddress(buf[vnodeNeighborsOff+pageAddressSize*(lvl*MaxNeighborsPerLevel+slot):], a)
		}
	}
	binary.LittleEndian.PutUint64(buf[vnodeMaskOff:], mask)
	dimsOff := vnodeNeighborsOff + pageAddressSize*MaxNeighborsPerLevel*n.Levels
	binary.LittleEndian.PutUint16(buf[dimsOff:], uint16(len(n.Vector)))
	for i, f := range n.Vector {
		binary.LittleEndian.PutUint32(buf[dimsOff+2+4*i:], float32Bits(f))
	}
	return buf
}

func unmarshalVectorNode(addr PageAddress, seg []byte) (*VectorNode, error) {
	if len(seg) < vnodeNeighborsOff {
		return nil, ErrInvalidDatafileState("vector node segment too short")
	}
	levels := int(seg[0])
	if levels < 1 || levels > MaxVectorLevels {
		return nil, ErrInvalidDatafileState("vector node has invalid level count")
	}
	dimsOff := vnodeNeighborsOff + pageAddressSize*MaxNeighborsPerLevel*levels
	if len(seg) < dimsOff+2 {
		return nil, ErrInvalidDatafileState("vector node segment truncated")
	}
	n := &VectorNode{
		Addr:      addr,
		DataBlock: getPageAddress(seg[vnodeDataBlockOff:]),
		ChainNext: getPageAddress(seg[vnodeChainOff:]),
		Levels:    levels,
		Mask:      binary.LittleEndian.Uint64(seg[vnodeMaskOff:]),
		Neighbors: make([][]PageAddress, levels),
	}
	for lvl := 0; lvl < levels; lvl++ {
		for slot := 0; slot < MaxNeighborsPerLevel; slot++ {
			if bitwise.IsSet(n.Mask, lvl*MaxNeighborsPerLevel+slot) {
				a := getPageAddress(seg[vnodeNeighborsOff+pageAddressSize*(lvl*MaxNeighborsPerLevel+slot):])
				n.Neighbors[lvl] = append(n.Neighbors[lvl], a)
			}
		}
	}
	dims := int(binary.LittleEndian.Uint16(seg[dimsOff:]))
	if len(seg) < dimsOff+2+4*dims {
		return nil, ErrInvalidDatafileState("vector node vector truncated")
	}
	n.Vector = make([]float32, dims)
	for i := 0; i < dims; i++ {
		n.Vector[i] = bitsToFloat32(binary.LittleEndian.Uint32(seg[dimsOff+2+4*i:]))
	}
	return n, nil
}

// VectorIndexService maintains one collection's vector indexes within one
// transaction's snapshot. entry.Head addresses the graph's entry node and
// entry.Tail the newest-first insertion chain every node is threaded on.
type VectorIndexService struct {
	snap *Snapshot
}

func NewVectorIndexService(snap *Snapshot) *VectorIndexService {
	return &VectorIndexService{snap: snap}
}

func (vx *VectorIndexService) NodeAt(addr PageAddress) (*VectorNode, error) {
	page, err := vx.snap.GetPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	if page.Header.Type != PageTypeVectorIndex {
		return nil, ErrPageTypeMismatch(PageTypeVectorIndex, page.Header.Type)
	}
	seg, err := page.GetSegment(addr.Index)
	if err != nil {
		return nil, err
	}
	return unmarshalVectorNode(addr, seg)
}

func randomVectorLevel() int {
	h := 1
	for r := rand.Uint64(); h < MaxVectorLevels && r&1 == 1; r >>= 1 {
		h++
	}
	return h
}

// Insert adds a vector node for dataBlock, wiring it into the graph.
func (vx *VectorIndexService) Insert(entry *IndexEntry, vector []float32, dataBlock PageAddress) error {
	if len(vector) != int(entry.Dims) {
		return ErrVectorDimensionMismatch(int(entry.Dims), len(vector))
	}

	node := &VectorNode{
		DataBlock: dataBlock,
		ChainNext: entry.Tail,
		Levels:    randomVectorLevel(),
		Vector:    append([]float32(nil), vector...),
	}
	node.Neighbors = make([][]PageAddress, node.Levels)

	if entry.Head.IsZero() {
		addr, err := vx.placeNode(entry, marshalVectorNode(node))
		if err != nil {
			return err
		}
		entry.Head = addr
		entry.Tail = addr
		return nil
	}

	entryNode, err := vx.NodeAt(entry.Head)
	if err != nil {
		return err
	}
	metric := entry.Metric

	// Greedy descent through layers above the new node's top layer.
	cur := entryNode
	for lvl := entryNode.Levels - 1; lvl >= node.Levels; lvl-- {
		cur, err = vx.greedyStep(cur, vector, lvl, metric)
		if err != nil {
			return err
		}
	}

	// Connect at every shared layer, nearest candidates first.
	top := min(node.Levels, entryNode.Levels) - 1
	for lvl := top; lvl >= 0; lvl-- {
		candidates, err := vx.searchLayer(cur, vector, lvl, searchExpansion, false, metric)
		if err != nil {
			return err
		}
		links := candidates
		if len(links) > MaxNeighborsPerLevel {
			links = links[:MaxNeighborsPerLevel]
		}
		for _, c := range links {
			node.Neighbors[lvl] = append(node.Neighbors[lvl], c.addr)
		}
		if len(candidates) > 0 {
			cur, err = vx.NodeAt(candidates[0].addr)
			if err != nil {
				return err
			}
		}
	}

	addr, err := vx.placeNode(entry, marshalVectorNode(node))
	if err != nil {
		return err
	}
	node.Addr = addr
	entry.Tail = addr

	// Backlinks, pruning overfull lists by distance to the neighbor. The
	// nearest link is forced through so the new node stays reachable.
	for lvl := 0; lvl < node.Levels; lvl++ {
		for i, nb := range node.Neighbors[lvl] {
			if err := vx.addNeighbor(nb, lvl, addr, metric, i == 0); err != nil {
				return err
			}
		}
	}

	if node.Levels > entryNode.Levels {
		entry.Head = addr
	}
	return nil
}

type scoredAddr struct {
	addr PageAddress
	dist float64
}

// greedyStep repeatedly moves to the closest neighbor at lvl until no
// neighbor improves on the current node.
func (vx *VectorIndexService) greedyStep(cur *VectorNode, target []float32, lvl int, metric VectorMetric) (*VectorNode, error) {
	curDist := metric.Distance(cur.Vector, target)
	for {
		moved := false
		if lvl < cur.Levels {
			for _, nb := range cur.Neighbors[lvl] {
				n, err := vx.NodeAt(nb)
				if err != nil {
					return nil, err
				}
				if d := metric.Distance(n.Vector, target); d < curDist {
					cur, curDist = n, d
					moved = true
				}
			}
		}
		if !moved {
			return cur, nil
		}
	}
}

// searchLayer expands the graph at lvl starting from start, returning up
// to ef discovered nodes sorted by distance. With exhaustive set the
// expansion covers the entire connected component; otherwise it stops
// visiting new frontier nodes once enough candidates have been seen.
func (vx *VectorIndexService) searchLayer(start *VectorNode, target []float32, lvl, ef int, exhaustive bool, metric VectorMetric) ([]scoredAddr, error) {
	visited := map[PageAddress]bool{start.Addr: true}
	results := []scoredAddr{{addr: start.Addr, dist: metric.Distance(start.Vector, target)}}
	frontier := []*VectorNode{start}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if lvl >= cur.Levels {
			continue
		}
		for _, nb := range cur.Neighbors[lvl] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			n, err := vx.NodeAt(nb)
			if err != nil {
				return nil, err
			}
			d := metric.Distance(n.Vector, target)
			results = append(results, scoredAddr{addr: nb, dist: d})
			if exhaustive || len(visited) < ef*4 {
				frontier = append(frontier, n)
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	return results, nil
}

// Search returns up to k nodes nearest to target under the index metric,
// keeping only results with distance <= maxDistance (NaN disables the
// bound). Results are ordered by ascending distance.
func (vx *VectorIndexService) Search(entry *IndexEntry, target []float32, k int, maxDistance float64) ([]*VectorNode, []float64, error) {
	if len(target) != int(entry.Dims) {
		return nil, nil, ErrVectorDimensionMismatch(int(entry.Dims), len(target))
	}
	if entry.Head.IsZero() {
		return nil, nil, nil
	}
	metric := entry.Metric

	count, err := vx.chainCount(entry)
	if err != nil {
		return nil, nil, err
	}

	var scored []scoredAddr
	if count <= fullScanThreshold {
		scored, err = vx.scanChain(entry, target, metric)
	} else {
		scored, err = vx.graphSearch(entry, target, max(k, 1), metric)
	}
	if err != nil {
		return nil, nil, err
	}

	var nodes []*VectorNode
	var dists []float64
	for _, s := range scored {
		if !math.IsNaN(maxDistance) && s.dist > maxDistance {
			continue
		}
		n, err := vx.NodeAt(s.addr)
		if err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
		dists = append(dists, s.dist)
		if k > 0 && len(nodes) == k {
			break
		}
	}
	return nodes, dists, nil
}

func (vx *VectorIndexService) graphSearch(entry *IndexEntry, target []float32, k int, metric VectorMetric) ([]scoredAddr, error) {
	cur, err := vx.NodeAt(entry.Head)
	if err != nil {
		return nil, err
	}
	for lvl := cur.Levels - 1; lvl > 0; lvl-- {
		cur, err = vx.greedyStep(cur, target, lvl, metric)
		if err != nil {
			return nil, err
		}
	}
	ef := max(searchExpansion, 4*k)
	return vx.searchLayer(cur, target, 0, ef, true, metric)
}

// scanChain walks the insertion chain exhaustively, oldest entries sorting
// first among equal distances.
func (vx *VectorIndexService) scanChain(entry *IndexEntry, target []float32, metric VectorMetric) ([]scoredAddr, error) {
	var scored []scoredAddr
	cur := entry.Tail
	for !cur.IsZero() {
		n, err := vx.NodeAt(cur)
		if err != nil {
			return nil, err
		}
		scored = append(scored, scoredAddr{addr: cur, dist: metric.Distance(n.Vector, target)})
		cur = n.ChainNext
	}
	// The chain is newest-first; reverse so stable sort keeps insertion
	// order among ties.
	for i, j := 0, len(scored)-1; i < j; i, j = i+1, j-1 {
		scored[i], scored[j] = scored[j], scored[i]
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })
	return scored, nil
}

func (vx *VectorIndexService) chainCount(entry *IndexEntry) (int, error) {
	count := 0
	cur := entry.Tail
	for !cur.IsZero() && count <= fullScanThreshold {
		n, err := vx.NodeAt(cur)
		if err != nil {
			return 0, err
		}
		count++
		cur = n.ChainNext
	}
	return count, nil
}

// Delete removes the node addressing dataBlock, scrubbing links to it from
// every remaining node and electing a new entry node when needed.
func (vx *VectorIndexService) Delete(entry *IndexEntry, dataBlock PageAddress) (bool, error) {
	var target *VectorNode
	var prevChain *VectorNode
	cur := entry.Tail
	for !cur.IsZero() {
		n, err := vx.NodeAt(cur)
		if err != nil {
			return false, err
		}
		if n.DataBlock == dataBlock {
			target = n
			break
		}
		prevChain = n
		cur = n.ChainNext
	}
	if target == nil {
		return false, nil
	}

	// Unlink from the chain.
	if prevChain == nil {
		entry.Tail = target.ChainNext
	} else if err := vx.patchChainNext(prevChain.Addr, target.ChainNext); err != nil {
		return false, err
	}

	// Scrub inbound links and track the tallest survivor for entry election.
	var tallest *VectorNode
	walk := entry.Tail
	for !walk.IsZero() {
		n, err := vx.NodeAt(walk)
		if err != nil {
			return false, err
		}
		for lvl := 0; lvl < n.Levels; lvl++ {
			for _, nb := range n.Neighbors[lvl] {
				if nb == target.Addr {
					if err := vx.removeNeighbor(n.Addr, lvl, target.Addr); err != nil {
						return false, err
					}
					break
				}
			}
		}
		if tallest == nil || n.Levels > tallest.Levels {
			tallest = n
		}
		walk = n.ChainNext
	}

	if entry.Head == target.Addr {
		if tallest != nil {
			entry.Head = tallest.Addr
		} else {
			entry.Head = PageAddress{}
			entry.Tail = PageAddress{}
		}
	}
	return true, vx.removeNode(entry, target.Addr)
}

// Drop discards every node of the index.
func (vx *VectorIndexService) Drop(entry *IndexEntry) error {
	cur := entry.Tail
	for !cur.IsZero() {
		n, err := vx.NodeAt(cur)
		if err != nil {
			return err
		}
		if err := vx.removeNode(entry, cur); err != nil {
			return err
		}
		cur = n.ChainNext
	}
	entry.Head = PageAddress{}
	entry.Tail = PageAddress{}
	return nil
}

// addNeighbor links addr into nb's neighbor list at lvl. When the list is
// full the farthest link is replaced, but only if the new one is nearer --
// unless force is set, which always claims the farthest slot.
func (vx *VectorIndexService) addNeighbor(nbAddr PageAddress, lvl int, addr PageAddress, metric VectorMetric, force bool) error {
	nb, err := vx.NodeAt(nbAddr)
	if err != nil {
		return err
	}
	if lvl >= nb.Levels {
		return nil
	}
	if len(nb.Neighbors[lvl]) < MaxNeighborsPerLevel {
		return vx.setNeighborSlot(nbAddr, lvl, addr, nb)
	}
	newNode, err := vx.NodeAt(addr)
	if err != nil {
		return err
	}
	newDist := metric.Distance(newNode.Vector, nb.Vector)
	worstSlot, worstDist := -1, newDist
	slot := 0
	for s := 0; s < MaxNeighborsPerLevel; s++ {
		if !bitwise.IsSet(nb.Mask, lvl*MaxNeighborsPerLevel+s) {
			continue
		}
		n, err := vx.NodeAt(nb.Neighbors[lvl][slot])
		if err != nil {
			return err
		}
		if d := metric.Distance(n.Vector, nb.Vector); d > worstDist || (force && worstSlot < 0) {
			worstSlot, worstDist = s, d
		}
		slot++
	}
	if worstSlot < 0 {
		return nil
	}
	return vx.patchNeighborSlot(nbAddr, lvl, worstSlot, addr, true)
}

// setNeighborSlot occupies the first free slot of nb's level list.
func (vx *VectorIndexService) setNeighborSlot(nbAddr PageAddress, lvl int, addr PageAddress, nb *VectorNode) error {
	for s := 0; s < MaxNeighborsPerLevel; s++ {
		if !bitwise.IsSet(nb.Mask, lvl*MaxNeighborsPerLevel+s) {
			return vx.patchNeighborSlot(nbAddr, lvl, s, addr, true)
		}
	}
	return nil
}

func (vx *VectorIndexService) removeNeighbor(nodeAddr PageAddress, lvl int, target PageAddress) error {
	n, err := vx.NodeAt(nodeAddr)
	if err != nil {
		return err
	}
	slot := 0
	for s := 0; s < MaxNeighborsPerLevel; s++ {
		if !bitwise.IsSet(n.Mask, lvl*MaxNeighborsPerLevel+s) {
			continue
		}
		if n.Neighbors[lvl][slot] == target {
			return vx.patchNeighborSlot(nodeAddr, lvl, s, PageAddress{}, false)
		}
		slot++
	}
	return nil
}

// patchNeighborSlot rewrites one neighbor slot and its mask bit in place.
func (vx *VectorIndexService) patchNeighborSlot(nodeAddr PageAddress, lvl, slot int, addr PageAddress, occupied bool) error {
	page, err := vx.snap.GetWritablePage(nodeAddr.PageID)
	if err != nil {
		return err
	}
	off, length := page.readSlot(nodeAddr.Index)
	if length == 0 {
		return ErrInvalidDatafileState("vector node slot is empty")
	}
	bit := lvl*MaxNeighborsPerLevel + slot
	mask := binary.LittleEndian.Uint64(page.Buf[int(off)+vnodeMaskOff:])
	if occupied {
		mask = bitwise.Set(mask, bit)
	} else {
		mask = bitwise.Unset(mask, bit)
	}
	binary.LittleEndian.PutUint64(page.Buf[int(off)+vnodeMaskOff:], mask)
	putPageAddress(page.Buf[int(off)+vnodeNeighborsOff+pageAddressSize*bit:], addr)
	return nil
}

func (vx *VectorIndexService) patchChainNext(nodeAddr, target PageAddress) error {
	page, err := vx.snap.GetWritablePage(nodeAddr.PageID)
	if err != nil {
		return err
	}
	off, length := page.readSlot(nodeAddr.Index)
	if length == 0 {
		return ErrInvalidDatafileState("vector node slot is empty")
	}
	putPageAddress(page.Buf[int(off)+vnodeChainOff:], target)
	return nil
}

// placeNode writes a node segment onto a Vector-Index page with room,
// tracked per index via entry.FreeHead.
func (vx *VectorIndexService) placeNode(entry *IndexEntry, seg []byte) (PageAddress, error) {
	if pid := entry.FreeHead; pid != 0 {
		page, err := vx.snap.GetWritablePage(pid)
		if err == nil && page.Header.Type == PageTypeVectorIndex && int(page.Header.FreeBytes()) >= len(seg)+slotSize {
			idx, err := page.InsertSegment(seg)
			if err == nil {
				return PageAddress{PageID: pid, Index: idx}, nil
			}
		}
	}
	page, err := vx.snap.NewPage(PageTypeVectorIndex)
	if err != nil {
		return PageAddress{}, err
	}
	idx, err := page.InsertSegment(seg)
	if err != nil {
		return PageAddress{}, err
	}
	entry.FreeHead = page.Header.PageID
	return PageAddress{PageID: page.Header.PageID, Index: idx}, nil
}

func (vx *VectorIndexService) removeNode(entry *IndexEntry, addr PageAddress) error {
	page, err := vx.snap.GetWritablePage(addr.PageID)
	if err != nil {
		return err
	}
	if err := page.DeleteSegment(addr.Index); err != nil {
		return err
	}
	if page.Header.ItemsCount == 0 {
		if entry.FreeHead == page.Header.PageID {
			entry.FreeHead = 0
		}
		vx.snap.FreePage(page.Header.PageID)
		return nil
	}
	if entry.FreeHead == 0 {
		entry.FreeHead = page.Header.PageID
	}
	return nil
}
