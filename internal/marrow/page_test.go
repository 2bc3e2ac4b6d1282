package marrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageHeader_EncodeDecode(t *testing.T) {
	h := PageHeader{
		PageID:          42,
		Type:            PageTypeData,
		PrevPageID:      41,
		NextPageID:      43,
		ItemsCount:      3,
		UsedBytes:       512,
		FragmentedBytes: 16,
		NextFreePos:     PageHeaderSize + 528,
		HighestIndex:    4,
		ColID:           7,
		TransactionID:   99,
		IsConfirmed:     true,
	}

	buf := make([]byte, PageHeaderSize)
	encodePageHeader(buf, h)
	decoded := decodePageHeader(buf)

	assert.Equal(t, h, decoded)
}

func TestPage_InsertGetDeleteSegment(t *testing.T) {
	p := NewEmptyPage(1, PageTypeData)

	first, err := p.InsertSegment([]byte("hello"))
	require.NoError(t, err)
	second, err := p.InsertSegment([]byte("world!"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, uint8(2), p.Header.ItemsCount)

	got, err := p.GetSegment(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, p.DeleteSegment(first))
	assert.Equal(t, uint8(1), p.Header.ItemsCount)
	assert.Equal(t, uint16(5), p.Header.FragmentedBytes)
	_, err = p.GetSegment(first)
	assert.Error(t, err)

	// A deleted slot index is reused by the next insert.
	reused, err := p.InsertSegment([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, first, reused)
}

func TestPage_DefragmentPreservesSlots(t *testing.T) {
	p := NewEmptyPage(2, PageTypeData)

	a, err := p.InsertSegment([]byte("aaaa"))
	require.NoError(t, err)
	b, err := p.InsertSegment([]byte("bbbbbbbb"))
	require.NoError(t, err)
	c, err := p.InsertSegment([]byte("cccc"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteSegment(b))
	require.NotZero(t, p.Header.FragmentedBytes)

	p.Defragment()

	assert.Zero(t, p.Header.FragmentedBytes)
	gotA, err := p.GetSegment(a)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), gotA)
	gotC, err := p.GetSegment(c)
	require.NoError(t, err)
	assert.Equal(t, []byte("cccc"), gotC)
}

func TestPage_BytesRoundTrip(t *testing.T) {
	p := NewEmptyPage(9, PageTypeIndex)
	p.Header.ColID = 3
	p.Header.TransactionID = 17
	_, err := p.InsertSegment([]byte("node"))
	require.NoError(t, err)

	loaded, err := LoadPage(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, p.Header, loaded.Header)
	seg, err := loaded.GetSegment(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("node"), seg)
}

func TestPage_ZeroBufferDecodesAsEmpty(t *testing.T) {
	loaded, err := LoadPage(make([]byte, PageSize))
	require.NoError(t, err)
	assert.Equal(t, PageTypeEmpty, loaded.Header.Type)
	assert.Equal(t, PageID(0), loaded.Header.PageID)
}

func TestPage_InsertSegmentTooLarge(t *testing.T) {
	p := NewEmptyPage(5, PageTypeData)
	_, err := p.InsertSegment(make([]byte, PageSize))
	assert.Error(t, err)
}

func TestFreenessBucket(t *testing.T) {
	assert.Equal(t, 0, FreenessBucket(100))
	assert.Equal(t, 0, FreenessBucket(91))
	assert.Equal(t, 1, FreenessBucket(90))
	assert.Equal(t, 2, FreenessBucket(60))
	assert.Equal(t, 3, FreenessBucket(30))
	assert.Equal(t, 4, FreenessBucket(25))
	assert.Equal(t, 4, FreenessBucket(0))
}
