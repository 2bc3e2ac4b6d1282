package marrow

import (
	"encoding/binary"
	"fmt"
)

// idFieldName is the reserved field every document is keyed by.
const idFieldName = "_id"

// DocField is one name/value pair of a Document, kept in insertion order so
// round-tripping through Marshal/Unmarshal is stable.
type DocField struct {
	Name  string
	Value BsonValue
}

// Document is a single BSON document: an ordered set of fields plus the
// RawID address of the first Data-page segment it was read from, so a
// document can be addressed by a skiplist or HNSW graph node without
// re-locating it by _id.
type Document struct {
	Fields []DocField
	RawID  PageAddress
}

func NewDocument() *Document { return &Document{} }

// Get returns the value of a top-level field.
func (d *Document) Get(name string) (BsonValue, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return BsonValue{}, false
}

// Set assigns a top-level field, replacing it if already present.
func (d *Document) Set(name string, v BsonValue) {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			d.Fields[i].Value = v
			return
		}
	}
	d.Fields = append(d.Fields, DocField{Name: name, Value: v})
}

// ID returns the document's _id value.
func (d *Document) ID() (BsonValue, bool) { return d.Get(idFieldName) }

// EnsureID assigns a fresh ObjectID _id if the document doesn't already
// carry one.
func (d *Document) EnsureID() BsonValue {
	if v, ok := d.ID(); ok && !v.IsNull() {
		return v
	}
	v := ObjectIDValue(NewObjectID())
	d.Set(idFieldName, v)
	return v
}

// Marshal encodes the document's fields into a self-describing byte stream,
// field count + (name-length, name, type tag, value) tuples, with nested
// Document and Array values encoded recursively.
func (d *Document) Marshal() []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint16(buf, uint16(len(d.Fields)))
	for _, f := range d.Fields {
		buf = appendString16(buf, f.Name)
		buf = encodeValue(buf, f.Value)
	}
	return buf
}

// UnmarshalDocument decodes a byte stream produced by Marshal.
func UnmarshalDocument(buf []byte) (*Document, error) {
	d := &Document{}
	i := 0
	if len(buf) < 2 {
		return nil, fmt.Errorf("document: buffer too short")
	}
	count := int(binary.LittleEndian.Uint16(buf[i:]))
	i += 2
	for n := 0; n < count; n++ {
		name, next, err := readString16(buf, i)
		if err != nil {
			return nil, err
		}
		i = next
		v, next, err := decodeValue(buf, i)
		if err != nil {
			return nil, err
		}
		i = next
		d.Fields = append(d.Fields, DocField{Name: name, Value: v})
	}
	return d, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.LittleEndian.PutUint16(tmp, v)
	return append(buf, tmp...)
}

func appendUint32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func appendUint64(buf []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(buf, tmp...)
}

func appendString16(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString16(buf []byte, i int) (string, int, error) {
	if i+2 > len(buf) {
		return "", 0, fmt.Errorf("document: truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(buf[i:]))
	i += 2
	if i+n > len(buf) {
		return "", 0, fmt.Errorf("document: truncated string body")
	}
	return string(buf[i : i+n]), i + n, nil
}

// encodeValue appends a type tag followed by the value's encoding. It is
// shared by Document field encoding and by index keys, which encode a bare
// BsonValue with no surrounding field name.
func encodeValue(buf []byte, v BsonValue) []byte {
	buf = append(buf, byte(v.Type))
	switch v.Type {
	case BsonMinValue, BsonMaxValue, BsonNull:
		// no payload
	case BsonInt32:
		buf = appendUint32(buf, uint32(v.intVal))
	case BsonInt64:
		buf = appendUint64(buf, uint64(v.intVal))
	case BsonDouble, BsonDecimal:
		buf = appendUint64(buf, doubleBits(v.fltVal))
	case BsonString:
		buf = appendString16(buf, v.strVal)
	case BsonBinary:
		buf = appendUint32(buf, uint32(len(v.binVal)))
		buf = append(buf, v.binVal...)
	case BsonGuid:
		buf = append(buf, v.guidVal[:]...)
	case BsonObjectID:
		buf = append(buf, v.oidVal[:]...)
	case BsonBoolean:
		buf = append(buf, boolByte(v.boolVal))
	case BsonDateTime:
		buf = appendUint64(buf, uint64(v.timeVal.UnixMilli()))
	case BsonVector:
		buf = appendUint16(buf, uint16(len(v.vecVal)))
		for _, f := range v.vecVal {
			buf = appendUint32(buf, float32Bits(f))
		}
	case BsonArray:
		buf = appendUint16(buf, uint16(len(v.arrVal)))
		for _, elem := range v.arrVal {
			buf = encodeValue(buf, elem)
		}
	case BsonDocument:
		sub := v.docVal.Marshal()
		buf = appendUint32(buf, uint32(len(sub)))
		buf = append(buf, sub...)
	}
	return buf
}

func decodeValue(buf []byte, i int) (BsonValue, int, error) {
	if i >= len(buf) {
		return BsonValue{}, 0, fmt.Errorf("document: truncated value tag")
	}
	typ := BsonType(buf[i])
	i++
	switch typ {
	case BsonMinValue:
		return MinValue(), i, nil
	case BsonMaxValue:
		return MaxValue(), i, nil
	case BsonNull:
		return Null(), i, nil
	case BsonInt32:
		if i+4 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated int32")
		}
		return Int32(int32(binary.LittleEndian.Uint32(buf[i:]))), i + 4, nil
	case BsonInt64:
		if i+8 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated int64")
		}
		return Int64(int64(binary.LittleEndian.Uint64(buf[i:]))), i + 8, nil
	case BsonDouble:
		if i+8 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated double")
		}
		return Double(bitsToDouble(binary.LittleEndian.Uint64(buf[i:]))), i + 8, nil
	case BsonDecimal:
		if i+8 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated decimal")
		}
		return Decimal(bitsToDouble(binary.LittleEndian.Uint64(buf[i:]))), i + 8, nil
	case BsonString:
		s, next, err := readString16(buf, i)
		if err != nil {
			return BsonValue{}, 0, err
		}
		return String(s), next, nil
	case BsonBinary:
		if i+4 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated binary length")
		}
		n := int(binary.LittleEndian.Uint32(buf[i:]))
		i += 4
		if i+n > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated binary body")
		}
		b := make([]byte, n)
		copy(b, buf[i:i+n])
		return Binary(b), i + n, nil
	case BsonGuid:
		if i+16 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated guid")
		}
		var g [16]byte
		copy(g[:], buf[i:i+16])
		return Guid(g), i + 16, nil
	case BsonObjectID:
		if i+12 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated objectid")
		}
		var oid ObjectID
		copy(oid[:], buf[i:i+12])
		return ObjectIDValue(oid), i + 12, nil
	case BsonBoolean:
		if i >= len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated boolean")
		}
		return Boolean(buf[i] != 0), i + 1, nil
	case BsonDateTime:
		if i+8 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated datetime")
		}
		ms := int64(binary.LittleEndian.Uint64(buf[i:]))
		return DateTime(unixMilliToTime(ms)), i + 8, nil
	case BsonVector:
		if i+2 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated vector length")
		}
		n := int(binary.LittleEndian.Uint16(buf[i:]))
		i += 2
		vec := make([]float32, n)
		for k := 0; k < n; k++ {
			if i+4 > len(buf) {
				return BsonValue{}, 0, fmt.Errorf("document: truncated vector body")
			}
			vec[k] = bitsToFloat32(binary.LittleEndian.Uint32(buf[i:]))
			i += 4
		}
		return Vector(vec), i, nil
	case BsonArray:
		if i+2 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated array length")
		}
		n := int(binary.LittleEndian.Uint16(buf[i:]))
		i += 2
		elems := make([]BsonValue, n)
		for k := 0; k < n; k++ {
			var err error
			elems[k], i, err = decodeValue(buf, i)
			if err != nil {
				return BsonValue{}, 0, err
			}
		}
		return Array(elems), i, nil
	case BsonDocument:
		if i+4 > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated subdocument length")
		}
		n := int(binary.LittleEndian.Uint32(buf[i:]))
		i += 4
		if i+n > len(buf) {
			return BsonValue{}, 0, fmt.Errorf("document: truncated subdocument body")
		}
		sub, err := UnmarshalDocument(buf[i : i+n])
		if err != nil {
			return BsonValue{}, 0, err
		}
		return DocumentValue(sub), i + n, nil
	default:
		return BsonValue{}, 0, fmt.Errorf("document: unknown type tag %d", typ)
	}
}
