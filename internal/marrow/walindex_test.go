package marrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWALIndex_ConfirmedVersionsOnly(t *testing.T) {
	wal := NewWALIndex()

	wal.RecordPage(7, 1, 0)
	wal.RecordPage(7, 2, PageSize)

	// Nothing confirmed yet: no version of page 7 is visible.
	_, ok := wal.GetPagePosition(7, 10)
	assert.False(t, ok)

	wal.Confirm(1)
	off, ok := wal.GetPagePosition(7, 10)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	// Tx 2's version becomes the newest once confirmed.
	wal.Confirm(2)
	off, ok = wal.GetPagePosition(7, 10)
	require.True(t, ok)
	assert.Equal(t, int64(PageSize), off)
}

func TestWALIndex_ReadVersionFiltersNewerCommits(t *testing.T) {
	wal := NewWALIndex()

	wal.RecordPage(3, 5, 100)
	firstVersion := wal.Confirm(5)
	wal.RecordPage(3, 9, 200)
	secondVersion := wal.Confirm(9)

	// A reader pinned before tx 9's commit sees only tx 5's version.
	off, ok := wal.GetPagePosition(3, firstVersion)
	require.True(t, ok)
	assert.Equal(t, int64(100), off)

	off, ok = wal.GetPagePosition(3, secondVersion)
	require.True(t, ok)
	assert.Equal(t, int64(200), off)
}

func TestWALIndex_CurrentReadVersionAdvancesPerCommit(t *testing.T) {
	wal := NewWALIndex()
	assert.Equal(t, TransactionID(0), wal.CurrentReadVersion())
	wal.Confirm(10)
	assert.Equal(t, TransactionID(1), wal.CurrentReadVersion())
	wal.Confirm(11)
	assert.Equal(t, TransactionID(2), wal.CurrentReadVersion())
}

func TestWALIndex_ProvisionalVisibleToOwnerOnly(t *testing.T) {
	wal := NewWALIndex()
	wal.RecordPage(4, 6, 300)

	// The spilling transaction sees its own provisional page.
	off, ok := wal.GetProvisionalPosition(4, 6)
	require.True(t, ok)
	assert.Equal(t, int64(300), off)

	// Other readers never do, at any read version.
	_, ok = wal.GetPagePosition(4, 100)
	assert.False(t, ok)
	assert.False(t, wal.IsConfirmed(6))
}

func TestWALIndex_Clear(t *testing.T) {
	wal := NewWALIndex()
	wal.RecordPage(1, 1, 0)
	wal.Confirm(1)

	wal.Clear()

	assert.Equal(t, TransactionID(0), wal.CurrentReadVersion())
	_, ok := wal.GetPagePosition(1, 100)
	assert.False(t, ok)
	assert.False(t, wal.IsConfirmed(1))
}
