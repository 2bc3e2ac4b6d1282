package marrow

import (
	"encoding/binary"
	"fmt"
	"time"
)

// HeaderPageID is the pageID of the singleton header page.
const HeaderPageID PageID = 0

// Pragmas holds the persisted settings described in spec §6.
type Pragmas struct {
	UserVersion    uint32
	Collation      Collation
	CheckpointSize uint32 // pages; 0 disables auto-checkpoint
	Timeout        time.Duration
	LimitSize      int64 // hard cap on DATA size in bytes, 0 = unlimited
	UTCDate        bool
	AutoRebuild    bool
}

// HeaderPage is the database's single catalog page (pageID 0): schema
// version, the last-allocated pageID, the global free-empty chain head, the
// collection directory (name -> collection pageID), creation time, and the
// persisted pragmas.
type HeaderPage struct {
	SchemaVersion uint32
	LastPageID    PageID
	FreeEmptyHead PageID // 0 means the free-empty chain is empty
	Collections   map[string]PageID
	CreatedAtUnix int64
	Pragmas       Pragmas

	// PasswordHash is the salted SHA-256 of the database password, all
	// zeroes when the database is unprotected.
	PasswordHash [32]byte
}

const currentSchemaVersion = 1

// NewHeaderPage returns the header page written into a freshly created
// database file.
func NewHeaderPage(now time.Time) *HeaderPage {
	return &HeaderPage{
		SchemaVersion: currentSchemaVersion,
		LastPageID:    HeaderPageID,
		Collections:   make(map[string]PageID),
		CreatedAtUnix: now.UnixMilli(),
		Pragmas: Pragmas{
			Collation:      DefaultCollation(),
			CheckpointSize: 1000,
			Timeout:        60 * time.Second,
		},
	}
}

// Marshal encodes the header page's catalog into a single segment, stored
// at slot 0 of page 0, the same way a Collection page stores its whole
// catalog as one blob (see CollectionCatalog.Marshal).
func (h *HeaderPage) Marshal() []byte {
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 4)

	binary.LittleEndian.PutUint32(tmp, h.SchemaVersion)
	buf = append(buf, tmp...)
	binary.LittleEndian.PutUint32(tmp, uint32(h.LastPageID))
	buf = append(buf, tmp...)
	binary.LittleEndian.PutUint32(tmp, uint32(h.FreeEmptyHead))
	buf = append(buf, tmp...)

	tmp8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp8, uint64(h.CreatedAtUnix))
	buf = append(buf, tmp8...)

	binary.LittleEndian.PutUint32(tmp, h.Pragmas.UserVersion)
	buf = append(buf, tmp...)
	collationStr := h.Pragmas.Collation.String()
	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(collationStr)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, collationStr...)
	binary.LittleEndian.PutUint32(tmp, h.Pragmas.CheckpointSize)
	buf = append(buf, tmp...)
	binary.LittleEndian.PutUint64(tmp8, uint64(h.Pragmas.Timeout))
	buf = append(buf, tmp8...)
	binary.LittleEndian.PutUint64(tmp8, uint64(h.Pragmas.LimitSize))
	buf = append(buf, tmp8...)
	buf = append(buf, boolByte(h.Pragmas.UTCDate), boolByte(h.Pragmas.AutoRebuild))
	buf = append(buf, h.PasswordHash[:]...)

	binary.LittleEndian.PutUint16(tmp[:2], uint16(len(h.Collections)))
	buf = append(buf, tmp[:2]...)
	for name, pid := range h.Collections {
		binary.LittleEndian.PutUint16(tmp[:2], uint16(len(name)))
		buf = append(buf, tmp[:2]...)
		buf = append(buf, name...)
		binary.LittleEndian.PutUint32(tmp, uint32(pid))
		buf = append(buf, tmp...)
	}
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Unmarshal decodes a header page catalog previously written by Marshal.
func (h *HeaderPage) Unmarshal(buf []byte) error {
	if len(buf) < 4+4+4+8+4+2 {
		return fmt.Errorf("header page: buffer too short")
	}
	i := 0
	h.SchemaVersion = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	h.LastPageID = PageID(binary.LittleEndian.Uint32(buf[i:]))
	i += 4
	h.FreeEmptyHead = PageID(binary.LittleEndian.Uint32(buf[i:]))
	i += 4
	h.CreatedAtUnix = int64(binary.LittleEndian.Uint64(buf[i:]))
	i += 8

	h.Pragmas.UserVersion = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	collationLen := int(binary.LittleEndian.Uint16(buf[i:]))
	i += 2
	collation, err := ParseCollation(string(buf[i : i+collationLen]))
	if err != nil {
		return fmt.Errorf("header page: %w", err)
	}
	h.Pragmas.Collation = collation
	i += collationLen
	h.Pragmas.CheckpointSize = binary.LittleEndian.Uint32(buf[i:])
	i += 4
	h.Pragmas.Timeout = time.Duration(binary.LittleEndian.Uint64(buf[i:]))
	i += 8
	h.Pragmas.LimitSize = int64(binary.LittleEndian.Uint64(buf[i:]))
	i += 8
	h.Pragmas.UTCDate = buf[i] != 0
	i++
	h.Pragmas.AutoRebuild = buf[i] != 0
	i++
	if i+32 > len(buf) {
		return fmt.Errorf("header page: truncated password hash")
	}
	copy(h.PasswordHash[:], buf[i:i+32])
	i += 32

	count := int(binary.LittleEndian.Uint16(buf[i:]))
	i += 2
	h.Collections = make(map[string]PageID, count)
	for n := 0; n < count; n++ {
		nameLen := int(binary.LittleEndian.Uint16(buf[i:]))
		i += 2
		name := string(buf[i : i+nameLen])
		i += nameLen
		pid := PageID(binary.LittleEndian.Uint32(buf[i:]))
		i += 4
		h.Collections[name] = pid
	}
	return nil
}
