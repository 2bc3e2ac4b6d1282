package marrow

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorMetric_Distances(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	c := []float32{1, 1}

	assert.InDelta(t, 1.0, VectorMetricCosine.Distance(a, b), 1e-9)
	assert.InDelta(t, 0.0, VectorMetricCosine.Distance(a, a), 1e-9)
	assert.InDelta(t, 1-1/math.Sqrt2, VectorMetricCosine.Distance(a, c), 1e-9)

	assert.InDelta(t, math.Sqrt2, VectorMetricEuclidean.Distance(a, b), 1e-9)
	assert.InDelta(t, 0.0, VectorMetricEuclidean.Distance(b, b), 1e-9)

	assert.InDelta(t, 0.0, VectorMetricDot.Distance(a, b), 1e-9)
	assert.InDelta(t, -1.0, VectorMetricDot.Distance(a, a), 1e-9)
	assert.InDelta(t, -2.0, VectorMetricDot.Distance(c, c), 1e-9)
}

func TestVectorNode_MarshalRoundTrip(t *testing.T) {
	n := &VectorNode{
		DataBlock: PageAddress{PageID: 12, Index: 3},
		ChainNext: PageAddress{PageID: 9, Index: 1},
		Levels:    2,
		Neighbors: [][]PageAddress{
			{{PageID: 1, Index: 0}, {PageID: 2, Index: 4}},
			{{PageID: 3, Index: 7}},
		},
		Vector: []float32{0.5, -1.25, 8},
	}

	decoded, err := unmarshalVectorNode(PageAddress{PageID: 50, Index: 0}, marshalVectorNode(n))
	require.NoError(t, err)
	assert.Equal(t, n.DataBlock, decoded.DataBlock)
	assert.Equal(t, n.ChainNext, decoded.ChainNext)
	assert.Equal(t, n.Levels, decoded.Levels)
	assert.Equal(t, n.Neighbors, decoded.Neighbors)
	assert.Equal(t, n.Vector, decoded.Vector)
}

// Insert 2-D embeddings (1,0), (0,1), (1,1) under a cosine index: the top-1
// neighbor of (1,0) is itself, and a 0.28 max-distance search excludes
// (1,1), whose cosine distance is ~0.293.
func TestVectorIndex_CosineSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTransaction(ctx, false, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, "embeddings", true)
		if err != nil {
			return err
		}
		if err := col.EnsureVectorIndex(ctx, "vec_idx", "embedding", 2, VectorMetricCosine); err != nil {
			return err
		}
		for i, v := range [][]float32{{1, 0}, {0, 1}, {1, 1}} {
			doc := NewDocument()
			doc.Set("n", Int64(int64(i)))
			doc.Set("embedding", Vector(v))
			if _, err := col.Insert(ctx, doc, AutoIDObjectID); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = e.WithTransaction(ctx, true, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, "embeddings", false)
		if err != nil {
			return err
		}

		docs, dists, err := col.TopKNear(ctx, "vec_idx", []float32{1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		vec, _ := docs[0].Get("embedding")
		raw, _ := vec.AsVector()
		assert.Equal(t, []float32{1, 0}, raw)
		assert.InDelta(t, 0.0, dists[0], 1e-6)

		docs, _, err = col.WhereNear(ctx, "vec_idx", []float32{1, 0}, 0.28)
		require.NoError(t, err)
		require.Len(t, docs, 1, "cosine distance of (1,1) is ~0.293 > 0.28")
		vec, _ = docs[0].Get("embedding")
		raw, _ = vec.AsVector()
		assert.Equal(t, []float32{1, 0}, raw)
		return nil
	})
	require.NoError(t, err)
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTransaction(ctx, false, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, "embeddings", true)
		if err != nil {
			return err
		}
		if err := col.EnsureVectorIndex(ctx, "vec_idx", "embedding", 3, VectorMetricEuclidean); err != nil {
			return err
		}
		doc := NewDocument()
		doc.Set("embedding", Vector([]float32{1, 2}))
		_, err = col.Insert(ctx, doc, AutoIDObjectID)
		require.Error(t, err)
		code, ok := CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, ErrCodeVectorDimensionMismatch, code)

		// The failing insert rolled itself back; the collection still works.
		good := NewDocument()
		good.Set("embedding", Vector([]float32{1, 2, 3}))
		_, err = col.Insert(ctx, good, AutoIDObjectID)
		return err
	})
	require.NoError(t, err)
}

func TestVectorIndex_ResultsAreTrueNearestSubset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	vectors := make([][]float32, 0, 30)
	for i := 0; i < 30; i++ {
		vectors = append(vectors, []float32{float32(i), float32((i * 7) % 13)})
	}
	target := []float32{14.5, 6}

	err := e.WithTransaction(ctx, false, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, "points", true)
		if err != nil {
			return err
		}
		if err := col.EnsureVectorIndex(ctx, "near", "v", 2, VectorMetricEuclidean); err != nil {
			return err
		}
		for i, v := range vectors {
			doc := NewDocument()
			doc.Set("n", Int64(int64(i)))
			doc.Set("v", Vector(v))
			if _, err := col.Insert(ctx, doc, AutoIDObjectID); err != nil {
				return err
			}
		}

		docs, dists, err := col.TopKNear(ctx, "near", target, 5)
		require.NoError(t, err)
		require.Len(t, docs, 5)

		// Exact distances of the reported results, sorted ascending.
		for i := 1; i < len(dists); i++ {
			require.LessOrEqual(t, dists[i-1], dists[i])
		}

		// Every reported distance is within the true 5-nearest set.
		var all []float64
		for _, v := range vectors {
			all = append(all, VectorMetricEuclidean.Distance(v, target))
		}
		worstAllowed := kthSmallest(all, 5)
		for _, d := range dists {
			require.LessOrEqual(t, d, worstAllowed+1e-9)
		}
		return nil
	})
	require.NoError(t, err)
}

func kthSmallest(values []float64, k int) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[k-1]
}

func TestVectorIndex_DeleteRemovesFromSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTransaction(ctx, false, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, "points", true)
		if err != nil {
			return err
		}
		if err := col.EnsureVectorIndex(ctx, "near", "v", 1, VectorMetricEuclidean); err != nil {
			return err
		}
		var delID BsonValue
		for i := 0; i < 5; i++ {
			doc := NewDocument()
			doc.Set("v", Vector([]float32{float32(i)}))
			id, err := col.Insert(ctx, doc, AutoIDObjectID)
			if err != nil {
				return err
			}
			if i == 2 {
				delID = id
			}
		}

		removed, err := col.Delete(ctx, delID)
		require.NoError(t, err)
		require.True(t, removed)

		docs, _, err := col.TopKNear(ctx, "near", []float32{2}, 5)
		require.NoError(t, err)
		require.Len(t, docs, 4)
		for _, d := range docs {
			v, _ := d.Get("v")
			raw, _ := v.AsVector()
			require.NotEqual(t, []float32{2}, raw)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRandomVectorLevel_Bounds(t *testing.T) {
	for i := 0; i < 10_000; i++ {
		h := randomVectorLevel()
		require.GreaterOrEqual(t, h, 1)
		require.LessOrEqual(t, h, MaxVectorLevels)
	}
}

func TestVectorIndex_LargerGraphSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.WithTransaction(ctx, false, func(ctx context.Context) error {
		col, err := e.GetCollection(ctx, "grid", true)
		if err != nil {
			return err
		}
		if err := col.EnsureVectorIndex(ctx, "near", "v", 2, VectorMetricEuclidean); err != nil {
			return err
		}
		for x := 0; x < 10; x++ {
			for y := 0; y < 10; y++ {
				doc := NewDocument()
				doc.Set("name", String(fmt.Sprintf("p-%d-%d", x, y)))
				doc.Set("v", Vector([]float32{float32(x), float32(y)}))
				if _, err := col.Insert(ctx, doc, AutoIDObjectID); err != nil {
					return err
				}
			}
		}

		// The exact point is always reachable.
		docs, dists, err := col.TopKNear(ctx, "near", []float32{3, 7}, 1)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		name, _ := docs[0].Get("name")
		got, _ := name.AsString()
		require.InDelta(t, 0, dists[0], 1e-6)
		require.Equal(t, "p-3-7", got)
		return nil
	})
	require.NoError(t, err)
}
