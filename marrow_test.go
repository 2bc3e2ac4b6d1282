package marrow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	return db
}

func TestDB_UpdateViewRoundTrip(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	var id BsonValue
	err := db.Update(ctx, func(tx *Tx) error {
		col, err := tx.Collection("people", true)
		if err != nil {
			return err
		}
		doc := NewDocument()
		doc.Set("name", String("Grace"))
		doc.Set("year", Int32(1906))
		id, err = col.Insert(doc, AutoIDObjectID)
		return err
	})
	require.NoError(t, err)

	err = db.View(ctx, func(tx *Tx) error {
		col, err := tx.Collection("people", false)
		if err != nil {
			return err
		}
		doc, err := col.FindByID(id)
		if err != nil {
			return err
		}
		name, _ := doc.Get("name")
		s, _ := name.AsString()
		assert.Equal(t, "Grace", s)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"people"}, db.CollectionNames())
}

func TestDB_UpdateRollsBackOnError(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		col, err := tx.Collection("c", true)
		if err != nil {
			return err
		}
		doc := NewDocument()
		doc.Set("n", Int64(1))
		_, err = col.Insert(doc, AutoIDInt64)
		return err
	}))

	sentinel := assert.AnError
	err := db.Update(ctx, func(tx *Tx) error {
		col, err := tx.Collection("c", false)
		if err != nil {
			return err
		}
		doc := NewDocument()
		doc.Set("n", Int64(2))
		if _, err := col.Insert(doc, AutoIDInt64); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		col, err := tx.Collection("c", false)
		if err != nil {
			return err
		}
		n, err := col.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

// An order embedding a customer document and an array of product documents
// survives persistence with nested values intact.
func TestDB_NestedDocumentPersistence(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	customer := NewDocument()
	customer.Set("Id", Int64(1))
	customer.Set("Name", String("John"))

	tv := NewDocument()
	tv.Set("Id", Int64(1))
	tv.Set("Name", String("TV"))
	tv.Set("Price", Double(800))

	dvd := NewDocument()
	dvd.Set("Id", Int64(2))
	dvd.Set("Name", String("DVD"))
	dvd.Set("Price", Double(200))

	var orderID BsonValue
	err := db.Update(ctx, func(tx *Tx) error {
		orders, err := tx.Collection("orders", true)
		if err != nil {
			return err
		}
		order := NewDocument()
		order.Set("Customer", DocumentValue(customer))
		order.Set("Products", Array([]BsonValue{DocumentValue(tv), DocumentValue(dvd)}))
		orderID, err = orders.Insert(order, AutoIDObjectID)
		return err
	})
	require.NoError(t, err)

	err = db.View(ctx, func(tx *Tx) error {
		orders, err := tx.Collection("orders", false)
		if err != nil {
			return err
		}
		order, err := orders.FindByID(orderID)
		if err != nil {
			return err
		}

		cust, ok := order.Get("Customer")
		require.True(t, ok)
		custDoc, ok := cust.AsDocument()
		require.True(t, ok)
		name, _ := custDoc.Get("Name")
		s, _ := name.AsString()
		assert.Equal(t, "John", s)

		prods, ok := order.Get("Products")
		require.True(t, ok)
		arr, ok := prods.AsArray()
		require.True(t, ok)
		require.Len(t, arr, 2)
		first, ok := arr[0].AsDocument()
		require.True(t, ok)
		price, _ := first.Get("Price")
		p, _ := price.AsFloat64()
		assert.Equal(t, 800.0, p)
		return nil
	})
	require.NoError(t, err)
}

func TestDB_ExplicitTransaction(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	tx, err := db.Begin(ctx, false)
	require.NoError(t, err)
	col, err := tx.Collection("c", true)
	require.NoError(t, err)
	doc := NewDocument()
	doc.Set("k", String("v"))
	_, err = col.Insert(doc, AutoIDObjectID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Commit and Rollback are idempotent after the transaction ends.
	require.NoError(t, tx.Commit())
	tx.Rollback()

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		col, err := tx.Collection("c", false)
		if err != nil {
			return err
		}
		n, err := col.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestDB_VectorSearchThroughPublicAPI(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		col, err := tx.Collection("vecs", true)
		if err != nil {
			return err
		}
		if err := col.EnsureVectorIndex("near", "v", 2, VectorMetricCosine); err != nil {
			return err
		}
		for _, v := range [][]float32{{1, 0}, {0, 1}, {1, 1}} {
			doc := NewDocument()
			doc.Set("v", Vector(v))
			if _, err := col.Insert(doc, AutoIDObjectID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.View(ctx, func(tx *Tx) error {
		col, err := tx.Collection("vecs", false)
		if err != nil {
			return err
		}
		docs, dists, err := col.TopKNear("near", []float32{1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.InDelta(t, 0, dists[0], 1e-6)
		return nil
	})
	require.NoError(t, err)
}

func TestDB_CheckpointAndRebuildOnFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "public.db")
	db, err := Open(path + "?log_level=error")
	require.NoError(t, err)
	defer db.Close(context.Background())
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		col, err := tx.Collection("c", true)
		if err != nil {
			return err
		}
		for i := 0; i < 25; i++ {
			doc := NewDocument()
			doc.Set("name", String(gofakeit.Name()))
			if _, err := col.Insert(doc, AutoIDInt64); err != nil {
				return err
			}
		}
		return nil
	}))

	flushed, err := db.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Greater(t, flushed, 0)

	_, err = db.Rebuild(ctx, RebuildOptions{})
	require.NoError(t, err)

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		col, err := tx.Collection("c", false)
		if err != nil {
			return err
		}
		n, err := col.Count()
		require.NoError(t, err)
		assert.Equal(t, 25, n)
		return nil
	}))
}

func TestDB_PragmasSurface(t *testing.T) {
	db := openMemDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetPragmas(ctx, func(p *Pragmas) {
		p.UserVersion = 3
	}))
	assert.Equal(t, uint32(3), db.GetPragmas().UserVersion)
}
