package marrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockService_SharedReadersCoexist(t *testing.T) {
	ls := NewLockService(time.Second)

	ctx1 := NewLockHolder(context.Background(), 1)
	ctx2 := NewLockHolder(context.Background(), 2)

	require.NoError(t, ls.LockCollectionShared(ctx1, "users"))
	require.NoError(t, ls.LockCollectionShared(ctx2, "users"))

	ls.UnlockCollectionShared(ctx1, "users")
	ls.UnlockCollectionShared(ctx2, "users")
}

func TestLockService_ExclusiveExcludesShared(t *testing.T) {
	ls := NewLockService(100 * time.Millisecond)

	writer := NewLockHolder(context.Background(), 1)
	reader := NewLockHolder(context.Background(), 2)

	require.NoError(t, ls.LockCollectionExclusive(writer, "users"))

	err := ls.LockCollectionShared(reader, "users")
	require.Error(t, err)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeLockTimeout, code)

	ls.UnlockCollectionExclusive(writer, "users")
	require.NoError(t, ls.LockCollectionShared(reader, "users"))
	ls.UnlockCollectionShared(reader, "users")
}

func TestLockService_WritersOnDistinctCollectionsProceed(t *testing.T) {
	ls := NewLockService(time.Second)

	ctx1 := NewLockHolder(context.Background(), 1)
	ctx2 := NewLockHolder(context.Background(), 2)

	require.NoError(t, ls.LockCollectionExclusive(ctx1, "users"))
	require.NoError(t, ls.LockCollectionExclusive(ctx2, "orders"))

	ls.UnlockCollectionExclusive(ctx1, "users")
	ls.UnlockCollectionExclusive(ctx2, "orders")
}

func TestLockService_DatabaseExclusiveBlocksCollections(t *testing.T) {
	ls := NewLockService(100 * time.Millisecond)

	checkpointer := context.Background()
	reader := NewLockHolder(context.Background(), 2)

	require.NoError(t, ls.LockDatabaseExclusive(checkpointer))
	err := ls.LockCollectionShared(reader, "users")
	require.Error(t, err)

	ls.UnlockDatabaseExclusive()
	require.NoError(t, ls.LockCollectionShared(reader, "users"))
	ls.UnlockCollectionShared(reader, "users")
}

func TestLockService_ExclusiveWaitsForSharedRelease(t *testing.T) {
	ls := NewLockService(2 * time.Second)

	reader := NewLockHolder(context.Background(), 1)
	writer := NewLockHolder(context.Background(), 2)

	require.NoError(t, ls.LockCollectionShared(reader, "users"))

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ls.LockCollectionExclusive(writer, "users"); err == nil {
			close(acquired)
			ls.UnlockCollectionExclusive(writer, "users")
		}
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive lock acquired while shared lock held")
	case <-time.After(50 * time.Millisecond):
	}

	ls.UnlockCollectionShared(reader, "users")
	wg.Wait()

	select {
	case <-acquired:
	default:
		t.Fatal("exclusive lock never acquired after shared release")
	}
}

func TestLockService_SharedReentrancy(t *testing.T) {
	ls := NewLockService(100 * time.Millisecond)
	ctx := NewLockHolder(context.Background(), 7)

	require.NoError(t, ls.LockDatabaseShared(ctx))
	require.NoError(t, ls.LockDatabaseShared(ctx))
	ls.UnlockDatabaseShared(ctx)
	ls.UnlockDatabaseShared(ctx)
}

func TestLockCollectionsExclusive_AllOrNothing(t *testing.T) {
	ls := NewLockService(100 * time.Millisecond)

	holder := NewLockHolder(context.Background(), 1)
	require.NoError(t, ls.LockCollectionExclusive(holder, "b"))

	other := NewLockHolder(context.Background(), 2)
	_, err := LockCollectionsExclusive(other, ls, []string{"c", "a", "b"})
	require.Error(t, err)

	// The failed batch must have released "a", so it is free again.
	third := NewLockHolder(context.Background(), 3)
	require.NoError(t, ls.LockCollectionExclusive(third, "a"))
	ls.UnlockCollectionExclusive(third, "a")

	ls.UnlockCollectionExclusive(holder, "b")
	release, err := LockCollectionsExclusive(other, ls, []string{"c", "a", "b"})
	require.NoError(t, err)
	release()
}
