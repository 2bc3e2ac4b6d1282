package marrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pageFactory(id PageID, fill byte) func() (*Page, error) {
	return func() (*Page, error) {
		p := NewEmptyPage(id, PageTypeData)
		for i := PageHeaderSize; i < PageSize; i++ {
			p.Buf[i] = fill
		}
		return p, nil
	}
}

func TestPageCache_GetReadableLoadsOnce(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 16)

	loads := 0
	factory := func() (*Page, error) {
		loads++
		return NewEmptyPage(1, PageTypeData), nil
	}

	p1, err := cache.GetReadable(OriginData, PageSize, factory)
	require.NoError(t, err)
	p2, err := cache.GetReadable(OriginData, PageSize, factory)
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	assert.Same(t, p1, p2)

	cache.Release(OriginData, PageSize)
	cache.Release(OriginData, PageSize)
}

func TestPageCache_OriginsDoNotCollide(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 16)

	dataPage, err := cache.GetReadable(OriginData, 0, pageFactory(0, 0xAA))
	require.NoError(t, err)
	logPage, err := cache.GetReadable(OriginLog, 0, pageFactory(0, 0xBB))
	require.NoError(t, err)

	assert.NotSame(t, dataPage, logPage)
	assert.Equal(t, byte(0xAA), dataPage.Buf[PageHeaderSize])
	assert.Equal(t, byte(0xBB), logPage.Buf[PageHeaderSize])
}

func TestPageCache_GetWritableCopiesReadable(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 16)

	readable, err := cache.GetReadable(OriginData, 0, pageFactory(3, 0x11))
	require.NoError(t, err)

	writable, err := cache.GetWritable(OriginData, 0, pageFactory(3, 0x22))
	require.NoError(t, err)

	assert.NotSame(t, readable, writable)
	assert.Equal(t, byte(0x11), writable.Buf[PageHeaderSize])

	// Mutating the writable copy never leaks into the shared readable.
	writable.Buf[PageHeaderSize] = 0x99
	assert.Equal(t, byte(0x11), readable.Buf[PageHeaderSize])
}

func TestPageCache_TryMoveToReadable(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 16)

	p := NewEmptyPage(5, PageTypeData)
	assert.True(t, cache.TryMoveToReadable(OriginLog, 5*PageSize, p))

	other := NewEmptyPage(5, PageTypeData)
	assert.False(t, cache.TryMoveToReadable(OriginLog, 5*PageSize, other))

	// MoveToReadable replaces unconditionally.
	replacement := NewEmptyPage(5, PageTypeData)
	got := cache.MoveToReadable(OriginLog, 5*PageSize, replacement)
	assert.Same(t, replacement, got)
}

func TestPageCache_ReclaimsOldestUnshared(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 8)

	for i := 0; i < 8; i++ {
		_, err := cache.GetReadable(OriginData, int64(i)*PageSize, pageFactory(PageID(i), byte(i)))
		require.NoError(t, err)
		cache.Release(OriginData, int64(i)*PageSize)
	}

	// All 8 buffers are allocated and unshared; a ninth load must reclaim.
	_, err := cache.GetReadable(OriginData, 8*PageSize, pageFactory(8, 8))
	require.NoError(t, err)
}

func TestPageCache_LimitExceededWhenAllShared(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 8)

	for i := 0; i < 8; i++ {
		_, err := cache.GetReadable(OriginData, int64(i)*PageSize, pageFactory(PageID(i), byte(i)))
		require.NoError(t, err)
		// No Release: every entry keeps a positive share count.
	}

	_, err := cache.GetReadable(OriginData, 8*PageSize, pageFactory(8, 8))
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeCacheLimitExceeded, code)
}

func TestPageCache_DropAllLog(t *testing.T) {
	cache := NewPageCache(zap.NewNop(), 16)

	_, err := cache.GetReadable(OriginLog, 0, pageFactory(1, 1))
	require.NoError(t, err)
	cache.Release(OriginLog, 0)
	_, err = cache.GetReadable(OriginData, 0, pageFactory(1, 2))
	require.NoError(t, err)
	cache.Release(OriginData, 0)

	cache.DropAllLog()

	loads := 0
	_, err = cache.GetReadable(OriginLog, 0, func() (*Page, error) {
		loads++
		return NewEmptyPage(1, PageTypeData), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "log entry should have been dropped")

	loads = 0
	_, err = cache.GetReadable(OriginData, 0, func() (*Page, error) {
		loads++
		return NewEmptyPage(1, PageTypeData), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, loads, "data entry should have survived")
}
