package marrow

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_MarshalRoundTrip(t *testing.T) {
	sub := NewDocument()
	sub.Set("city", String(gofakeit.City()))
	sub.Set("zip", String(gofakeit.Zip()))

	doc := NewDocument()
	doc.Set("_id", ObjectIDValue(NewObjectID()))
	doc.Set("name", String(gofakeit.Name()))
	doc.Set("age", Int32(int32(gofakeit.Number(18, 99))))
	doc.Set("balance", Double(gofakeit.Float64Range(-1e6, 1e6)))
	doc.Set("active", Boolean(true))
	doc.Set("joined", DateTime(time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)))
	doc.Set("nothing", Null())
	doc.Set("blob", Binary([]byte{0x00, 0x01, 0xFF}))
	doc.Set("guid", Guid(NewGuid()))
	doc.Set("tags", Array([]BsonValue{String("a"), String("b"), Int64(3)}))
	doc.Set("address", DocumentValue(sub))
	doc.Set("embedding", Vector([]float32{1.5, -0.25, 3.75}))

	blob := doc.Marshal()
	decoded, err := UnmarshalDocument(blob)
	require.NoError(t, err)

	// Byte-for-byte round trip.
	assert.Equal(t, blob, decoded.Marshal())

	name, _ := decoded.Get("name")
	orig, _ := doc.Get("name")
	assert.Equal(t, orig, name)

	vec, ok := decoded.Get("embedding")
	require.True(t, ok)
	raw, ok := vec.AsVector()
	require.True(t, ok)
	assert.Equal(t, []float32{1.5, -0.25, 3.75}, raw)

	addr, ok := decoded.Get("address")
	require.True(t, ok)
	addrDoc, ok := addr.AsDocument()
	require.True(t, ok)
	city, ok := addrDoc.Get("city")
	require.True(t, ok)
	cityOrig, _ := sub.Get("city")
	assert.Equal(t, cityOrig, city)
}

func TestDocument_DateTimeKeepsMillisecondPrecision(t *testing.T) {
	doc := NewDocument()
	stamp := time.Date(2023, 11, 5, 13, 14, 15, 123_000_000, time.UTC)
	doc.Set("at", DateTime(stamp))

	decoded, err := UnmarshalDocument(doc.Marshal())
	require.NoError(t, err)
	at, ok := decoded.Get("at")
	require.True(t, ok)
	assert.Equal(t, "2023-11-05T13:14:15.123Z", at.String())
}

func TestDocument_UnmarshalTruncated(t *testing.T) {
	doc := NewDocument()
	doc.Set("key", String("value"))
	blob := doc.Marshal()

	_, err := UnmarshalDocument(blob[:len(blob)-2])
	assert.Error(t, err)
	_, err = UnmarshalDocument([]byte{0x01})
	assert.Error(t, err)
}

func TestDocument_SetReplaces(t *testing.T) {
	doc := NewDocument()
	doc.Set("n", Int64(1))
	doc.Set("n", Int64(2))
	assert.Len(t, doc.Fields, 1)
	v, _ := doc.Get("n")
	got, _ := v.AsInt64()
	assert.Equal(t, int64(2), got)
}

func TestBsonValue_CompareNumericAcrossKinds(t *testing.T) {
	collation := DefaultCollation()
	assert.Equal(t, 0, Int32(5).Compare(Double(5.0), collation))
	assert.Equal(t, -1, Int64(3).Compare(Double(3.5), collation))
	assert.Equal(t, 1, Double(10.1).Compare(Int32(10), collation))
}

func TestBsonValue_CompareTypeOrder(t *testing.T) {
	collation := DefaultCollation()
	assert.Equal(t, -1, MinValue().Compare(Null(), collation))
	assert.Equal(t, -1, Null().Compare(Int32(0), collation))
	assert.Equal(t, -1, Int64(1<<40).Compare(String(""), collation))
	assert.Equal(t, -1, String("zzz").Compare(MaxValue(), collation))
	assert.Equal(t, 1, MaxValue().Compare(Vector([]float32{1}), collation))
}

func TestBsonValue_CompareStringsWithCollation(t *testing.T) {
	caseSensitive := DefaultCollation()
	assert.NotEqual(t, 0, String("Apple").Compare(String("apple"), caseSensitive))

	ignoreCase := Collation{Culture: "en-US", Options: CompareIgnoreCase}
	assert.Equal(t, 0, String("Apple").Compare(String("apple"), ignoreCase))
	assert.Equal(t, -1, String("apple").Compare(String("Banana"), ignoreCase))
}

func TestObjectID_HexRoundTrip(t *testing.T) {
	id := NewObjectID()
	parsed, err := ParseObjectID(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.False(t, id.IsZero())
	assert.WithinDuration(t, time.Now(), id.Timestamp(), 5*time.Second)
}

func TestObjectID_Unique(t *testing.T) {
	seen := make(map[ObjectID]bool)
	for i := 0; i < 10_000; i++ {
		id := NewObjectID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
