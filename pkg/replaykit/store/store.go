// Package store provides the disk-backed write-ahead log of compressed,
// not-yet-acknowledged telemetry payloads.
//
// A batch lives on stable storage from the moment of compression until
// the backend acknowledges receipt. Removal is the only terminal
// transition and happens exactly once, after acknowledgment. Filenames
// encode content type, batch number, and a keyframe flag so ordering
// and recovery require no separate index:
//
//	<root>/<sessionID>/<contentType>_<batchNumber>_<k|n>.gz
//	<root>/<sessionID>/<contentType>_<batchNumber>_<k|n>.meta.json
//	<root>/<sessionID>/session.json
package store

import (
	"errors"
	"time"
)

// MetaSchemaVersion is the current sidecar metadata format version.
// Increment when making breaking changes to the sidecar structure.
const MetaSchemaVersion = 1

// ContentType labels what a batch carries.
type ContentType string

// Content types shipped through the pipeline.
const (
	ContentEvents ContentType = "events"
	ContentFrames ContentType = "frames"
	ContentCrash  ContentType = "crash"
	ContentANR    ContentType = "anr"
)

// Batch is a compressed payload awaiting backend acknowledgment.
type Batch struct {
	SessionID   string
	ContentType ContentType
	BatchNumber int
	IsKeyframe  bool

	// Compressed is the gzip payload exactly as it will be uploaded.
	Compressed []byte

	EventCount int
	FrameCount int
	CreatedAt  time.Time
}

// Meta is the sidecar metadata persisted next to each payload.
type Meta struct {
	SchemaVersion int         `json:"schemaVersion"`
	ContentType   ContentType `json:"contentType"`
	BatchNumber   int         `json:"batchNumber"`
	IsKeyframe    bool        `json:"isKeyframe"`
	EventCount    int         `json:"eventCount"`
	FrameCount    int         `json:"frameCount"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Info returns the identifying metadata for a batch, including the
// filename it persists under.
func (b *Batch) Info() Info {
	return Info{
		SessionID:   b.SessionID,
		ContentType: b.ContentType,
		BatchNumber: b.BatchNumber,
		IsKeyframe:  b.IsKeyframe,
		SizeBytes:   int64(len(b.Compressed)),
		Filename:    payloadFilename(b.ContentType, b.BatchNumber, b.IsKeyframe),
	}
}

// Info identifies one pending payload without loading its bytes.
type Info struct {
	SessionID   string
	ContentType ContentType
	BatchNumber int
	IsKeyframe  bool
	SizeBytes   int64

	// Filename is the payload file name within the session directory.
	// Used as the ordering tiebreaker for equal batch numbers.
	Filename string
}

// Marker is the per-session recovery marker (session.json). Its
// presence signals "possibly still owned by a live process" to the
// recovery worker.
type Marker struct {
	SessionID             string    `json:"sessionId"`
	SessionStartTime      time.Time `json:"sessionStartTime"`
	TotalBackgroundTimeMs int64     `json:"totalBackgroundTimeMs"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Store persists pending batches and session recovery markers.
// Implementations must be safe for concurrent use: the foreground
// pipeline and the durability worker touch disjoint sessions but share
// one store.
type Store interface {
	// Save persists a batch. The write is durable before Save returns.
	Save(batch *Batch) error

	// ListPending returns pending payloads for a session, ordered by
	// batch number with ties broken by filename. Returns an empty slice
	// (not an error) if the session has nothing pending.
	ListPending(sessionID string) ([]Info, error)

	// Load reads a pending payload back, byte-identical to what Save
	// persisted. Returns ErrNotFound if it no longer exists.
	Load(info Info) (*Batch, error)

	// Delete removes a payload after backend acknowledgment. This is
	// the only terminal transition. Returns nil if already gone.
	Delete(info Info) error

	// SaveMarker creates or updates the session recovery marker.
	SaveMarker(m Marker) error

	// LoadMarker reads the recovery marker; ErrNotFound if absent.
	LoadMarker(sessionID string) (Marker, error)

	// DeleteMarker removes the recovery marker. Returns nil if absent.
	DeleteMarker(sessionID string) error

	// ListSessions returns every session id with local artifacts.
	ListSessions() ([]string, error)

	// DeleteSession removes all local artifacts for a session.
	DeleteSession(sessionID string) error

	// Close releases any resources.
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a payload or marker doesn't exist.
	ErrNotFound = errors.New("payload not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("payload store closed")
)
