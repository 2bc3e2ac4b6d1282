package marrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDisk(t *testing.T) *DiskService {
	t.Helper()
	disk, err := NewDiskService(zap.NewNop(), OpenMemFile(), OpenMemFile(), NewPageCache(zap.NewNop(), 256))
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return disk
}

// Allocate 100 pages, fill page i with byte i, flush asynchronously, then
// read every page back from the LOG at offset i*PageSize and verify each
// byte.
func TestDiskService_AsyncWriteReadBack(t *testing.T) {
	disk := newTestDisk(t)

	pages := make([]*Page, 100)
	for i := range pages {
		p, err := disk.NewPage(PageID(i+1), PageTypeData)
		require.NoError(t, err)
		for j := PageHeaderSize; j < PageSize; j++ {
			p.Buf[j] = byte(i)
		}
		pages[i] = p
	}

	res := <-disk.WriteAsync(pages)
	require.NoError(t, res.err)
	disk.Wait()

	assert.Equal(t, int64(100*PageSize), disk.GetLength(OriginLog))

	// The writer reports each page's authoritative byte offset.
	require.Len(t, res.offsets, 100)
	for i, off := range res.offsets {
		require.Equal(t, int64(i)*PageSize, off)
	}

	for i := 0; i < 100; i++ {
		p, err := disk.ReadPage(OriginLog, int64(i)*PageSize, false)
		require.NoError(t, err)
		assert.Equal(t, PageID(i+1), p.Header.PageID)
		for j := PageHeaderSize; j < PageSize; j++ {
			require.Equal(t, byte(i), p.Buf[j], "page %d byte %d", i, j)
		}
	}
}

func TestDiskService_BatchesKeepSubmissionOrder(t *testing.T) {
	disk := newTestDisk(t)

	var chs []<-chan batchResult
	for b := 0; b < 10; b++ {
		p, err := disk.NewPage(PageID(b+1), PageTypeData)
		require.NoError(t, err)
		p.Buf[PageHeaderSize] = byte(b)
		chs = append(chs, disk.WriteAsync([]*Page{p}))
	}
	for b, ch := range chs {
		res := <-ch
		require.NoError(t, res.err)
		require.Equal(t, []int64{int64(b) * PageSize}, res.offsets)
	}
	disk.Wait()

	for b := 0; b < 10; b++ {
		p, err := disk.ReadPage(OriginLog, int64(b)*PageSize, false)
		require.NoError(t, err)
		assert.Equal(t, byte(b), p.Buf[PageHeaderSize])
	}
}

func TestDiskService_WrittenPagesBecomeReadableFromCache(t *testing.T) {
	disk := newTestDisk(t)

	p, err := disk.NewPage(33, PageTypeData)
	require.NoError(t, err)
	p.Buf[PageHeaderSize] = 0x5A
	require.NoError(t, (<-disk.WriteAsync([]*Page{p})).err)
	disk.Wait()

	loads := 0
	got, err := disk.cache.GetReadable(OriginLog, 0, func() (*Page, error) {
		loads++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, loads, "page should have been published by the writer")
	assert.Equal(t, byte(0x5A), got.Buf[PageHeaderSize])
	disk.cache.Release(OriginLog, 0)
}

func TestDiskService_SetLengthTruncates(t *testing.T) {
	disk := newTestDisk(t)

	p, err := disk.NewPage(1, PageTypeData)
	require.NoError(t, err)
	require.NoError(t, (<-disk.WriteAsync([]*Page{p})).err)
	disk.Wait()
	require.Equal(t, int64(PageSize), disk.GetLength(OriginLog))

	require.NoError(t, disk.SetLength(OriginLog, 0))
	assert.Equal(t, int64(0), disk.GetLength(OriginLog))
}
