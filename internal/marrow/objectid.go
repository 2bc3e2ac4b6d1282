package marrow

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ObjectID is the 12-byte identifier the engine assigns to documents that
// don't supply their own _id: a 4-byte Unix timestamp, a 5-byte
// process-wide random component seeded from a uuid, and a 3-byte counter
// that disambiguates IDs minted within the same second.
type ObjectID [12]byte

// processEntropy is sampled once per process from a uuid, the way the
// engine wants a stable-but-unpredictable machine/process component
// without pulling in a MAC-address lookup.
var processEntropy = func() [5]byte {
	var e [5]byte
	id := uuid.New()
	copy(e[:], id[:5])
	return e
}()

var objectIDCounter uint32

func init() {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	atomic.StoreUint32(&objectIDCounter, binary.BigEndian.Uint32(seed[:])&0x00FFFFFF)
}

// NewObjectID mints a new, monotonically-disambiguated ObjectID.
func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processEntropy[:])
	c := atomic.AddUint32(&objectIDCounter, 1) & 0x00FFFFFF
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

func (id ObjectID) Hex() string { return hex.EncodeToString(id[:]) }

func (id ObjectID) String() string { return id.Hex() }

func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// Timestamp returns the creation time encoded in the ObjectID's first
// four bytes.
func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0).UTC()
}

// ParseObjectID decodes a 24-character hex string produced by Hex.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("objectid: %w", err)
	}
	if len(b) != 12 {
		return id, fmt.Errorf("objectid: expected 12 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NewGuid mints a random 16-byte Guid value, backed by google/uuid.
func NewGuid() [16]byte {
	id := uuid.New()
	var g [16]byte
	copy(g[:], id[:])
	return g
}
