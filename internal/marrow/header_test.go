package marrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderPage_MarshalRoundTrip(t *testing.T) {
	h := NewHeaderPage(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	h.LastPageID = 77
	h.FreeEmptyHead = 12
	h.Collections["users"] = 3
	h.Collections["orders"] = 9
	h.Pragmas.UserVersion = 5
	h.Pragmas.Collation = Collation{Culture: "de-DE", Options: CompareIgnoreCase}
	h.Pragmas.CheckpointSize = 2048
	h.Pragmas.Timeout = 30 * time.Second
	h.Pragmas.LimitSize = 1 << 30
	h.Pragmas.UTCDate = true
	h.Pragmas.AutoRebuild = true
	h.PasswordHash = hashPassword("pw")

	decoded := &HeaderPage{}
	require.NoError(t, decoded.Unmarshal(h.Marshal()))
	assert.Equal(t, h, decoded)
}

func TestHeaderPage_FitsOnOnePage(t *testing.T) {
	h := NewHeaderPage(time.Now())
	// The collection directory is bounded by the page's segment area.
	for i := 0; i < 100; i++ {
		h.Collections[string(rune('a'+i%26))+string(rune('0'+i%10))] = PageID(i + 1)
	}
	page := NewEmptyPage(HeaderPageID, PageTypeHeader)
	_, err := page.InsertSegment(h.Marshal())
	require.NoError(t, err)
}

func TestHeaderPage_UnmarshalTruncated(t *testing.T) {
	h := NewHeaderPage(time.Now())
	blob := h.Marshal()
	decoded := &HeaderPage{}
	assert.Error(t, decoded.Unmarshal(blob[:8]))
}

func TestCollectionCatalog_MarshalRoundTrip(t *testing.T) {
	cat := NewCollectionCatalog("users")
	cat.LastAutoID = 99
	cat.FirstDataPage = 4
	cat.LastDataPage = 12
	cat.FreeIndexHead = 6
	cat.FreeDataChain = [freenessBucketCount]PageID{0, 5, 0, 8, 0}
	cat.Indexes = []IndexEntry{
		{
			Name: "_id", Expression: "_id", Unique: true, Reserved: true,
			Head: PageAddress{PageID: 6, Index: 1}, Tail: PageAddress{PageID: 6, Index: 0},
		},
		{
			Name: "embedding", Expression: "vec", Kind: IndexKindVector,
			Head: PageAddress{PageID: 7, Index: 0}, Tail: PageAddress{PageID: 7, Index: 2},
			Dims: 128, Metric: VectorMetricEuclidean, FreeHead: 7,
		},
	}

	decoded, err := UnmarshalCollectionCatalog(cat.Marshal())
	require.NoError(t, err)
	assert.Equal(t, cat, decoded)
}

func TestCollectionCatalog_CloneIsDeep(t *testing.T) {
	cat := NewCollectionCatalog("c")
	require.NoError(t, cat.AddIndex(IndexEntry{Name: "a", Expression: "a"}))

	cp := cat.Clone()
	cp.Indexes[0].Expression = "changed"
	cp.LastAutoID = 7

	assert.Equal(t, "a", cat.Indexes[0].Expression)
	assert.Zero(t, cat.LastAutoID)
}

func TestCollation_ParseAndCompare(t *testing.T) {
	c, err := ParseCollation("en-US/IgnoreCase,IgnoreSymbols")
	require.NoError(t, err)
	assert.True(t, c.Options.has(CompareIgnoreCase))
	assert.True(t, c.Options.has(CompareIgnoreSymbols))
	assert.Equal(t, "en-US/IgnoreCase,IgnoreSymbols", c.String())

	assert.Equal(t, 0, c.CompareStrings("He-llo", "hello"))
	assert.Equal(t, -1, c.CompareStrings("apple", "BANANA"))

	_, err = ParseCollation("en-US/Bogus")
	assert.Error(t, err)

	plain, err := ParseCollation("fr-FR")
	require.NoError(t, err)
	assert.Equal(t, "fr-FR", plain.Culture)
	assert.Equal(t, CompareNone, plain.Options)
}
