package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rkerrors "github.com/randalmurphal/replaykit/pkg/replaykit/errors"
)

const markerFilename = "session.json"

// DiskStore persists batches under a root directory, one subdirectory
// per session. It survives process restarts; the background durability
// worker replays whatever it still holds.
type DiskStore struct {
	root   string
	mu     sync.RWMutex
	closed bool
}

// NewDiskStore creates a disk store rooted at the given directory,
// creating it if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *DiskStore) Root() string { return s.root }

// payloadFilename encodes content type, batch number, and keyframe flag.
func payloadFilename(ct ContentType, batchNumber int, isKeyframe bool) string {
	flag := "n"
	if isKeyframe {
		flag = "k"
	}
	return fmt.Sprintf("%s_%06d_%s.gz", ct, batchNumber, flag)
}

// parsePayloadFilename reverses payloadFilename. ok is false for files
// that are not payload files (markers, sidecars, foreign files).
func parsePayloadFilename(name string) (ct ContentType, batchNumber int, isKeyframe bool, ok bool) {
	stem, found := strings.CutSuffix(name, ".gz")
	if !found {
		return "", 0, false, false
	}
	parts := strings.Split(stem, "_")
	if len(parts) != 3 {
		return "", 0, false, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false, false
	}
	switch parts[2] {
	case "k":
		isKeyframe = true
	case "n":
		isKeyframe = false
	default:
		return "", 0, false, false
	}
	return ContentType(parts[0]), n, isKeyframe, true
}

func metaFilename(payloadName string) string {
	return strings.TrimSuffix(payloadName, ".gz") + ".meta.json"
}

// Save implements Store. The payload and its sidecar are written to a
// temp file, synced, and renamed into place so a crash mid-write never
// leaves a truncated payload with a valid name.
func (s *DiskStore) Save(batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := filepath.Join(s.root, batch.SessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &rkerrors.StoreError{Op: "mkdir", Path: dir, Err: err}
	}

	name := payloadFilename(batch.ContentType, batch.BatchNumber, batch.IsKeyframe)
	path := filepath.Join(dir, name)
	if err := writeFileSync(path, batch.Compressed); err != nil {
		return &rkerrors.StoreError{Op: "write", Path: path, Err: err}
	}

	meta := Meta{
		SchemaVersion: MetaSchemaVersion,
		ContentType:   batch.ContentType,
		BatchNumber:   batch.BatchNumber,
		IsKeyframe:    batch.IsKeyframe,
		EventCount:    batch.EventCount,
		FrameCount:    batch.FrameCount,
		CreatedAt:     batch.CreatedAt,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return &rkerrors.StoreError{Op: "encode-meta", Path: path, Err: err}
	}
	metaPath := filepath.Join(dir, metaFilename(name))
	if err := writeFileSync(metaPath, metaBytes); err != nil {
		return &rkerrors.StoreError{Op: "write-meta", Path: metaPath, Err: err}
	}
	return nil
}

// ListPending implements Store.
func (s *DiskStore) ListPending(sessionID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	dir := filepath.Join(s.root, sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, &rkerrors.StoreError{Op: "list", Path: dir, Err: err}
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ct, n, keyframe, ok := parsePayloadFilename(entry.Name())
		if !ok {
			continue
		}
		var size int64
		if fi, err := entry.Info(); err == nil {
			size = fi.Size()
		}
		infos = append(infos, Info{
			SessionID:   sessionID,
			ContentType: ct,
			BatchNumber: n,
			IsKeyframe:  keyframe,
			SizeBytes:   size,
			Filename:    entry.Name(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].BatchNumber != infos[j].BatchNumber {
			return infos[i].BatchNumber < infos[j].BatchNumber
		}
		return infos[i].Filename < infos[j].Filename
	})
	return infos, nil
}

// Load implements Store.
func (s *DiskStore) Load(info Info) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	path := filepath.Join(s.root, info.SessionID, info.Filename)
	payload, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &rkerrors.StoreError{Op: "read", Path: path, Err: err}
	}

	batch := &Batch{
		SessionID:   info.SessionID,
		ContentType: info.ContentType,
		BatchNumber: info.BatchNumber,
		IsKeyframe:  info.IsKeyframe,
		Compressed:  payload,
	}

	// The sidecar enriches the batch with counts and the creation time.
	// A missing sidecar is tolerated: filename metadata is enough to
	// deliver the payload.
	metaPath := filepath.Join(s.root, info.SessionID, metaFilename(info.Filename))
	if metaBytes, err := os.ReadFile(metaPath); err == nil {
		var meta Meta
		if err := json.Unmarshal(metaBytes, &meta); err == nil {
			batch.EventCount = meta.EventCount
			batch.FrameCount = meta.FrameCount
			batch.CreatedAt = meta.CreatedAt
		}
	}
	return batch, nil
}

// Delete implements Store.
func (s *DiskStore) Delete(info Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := filepath.Join(s.root, info.SessionID)
	path := filepath.Join(dir, info.Filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &rkerrors.StoreError{Op: "delete", Path: path, Err: err}
	}
	metaPath := filepath.Join(dir, metaFilename(info.Filename))
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return &rkerrors.StoreError{Op: "delete-meta", Path: metaPath, Err: err}
	}
	return nil
}

// SaveMarker implements Store.
func (s *DiskStore) SaveMarker(m Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	dir := filepath.Join(s.root, m.SessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &rkerrors.StoreError{Op: "mkdir", Path: dir, Err: err}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return &rkerrors.StoreError{Op: "encode-marker", Path: dir, Err: err}
	}
	path := filepath.Join(dir, markerFilename)
	if err := writeFileSync(path, data); err != nil {
		return &rkerrors.StoreError{Op: "write-marker", Path: path, Err: err}
	}
	return nil
}

// LoadMarker implements Store.
func (s *DiskStore) LoadMarker(sessionID string) (Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Marker{}, ErrStoreClosed
	}

	path := filepath.Join(s.root, sessionID, markerFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Marker{}, ErrNotFound
	}
	if err != nil {
		return Marker{}, &rkerrors.StoreError{Op: "read-marker", Path: path, Err: err}
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, &rkerrors.StoreError{Op: "decode-marker", Path: path, Err: err}
	}
	return m, nil
}

// DeleteMarker implements Store.
func (s *DiskStore) DeleteMarker(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	path := filepath.Join(s.root, sessionID, markerFilename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &rkerrors.StoreError{Op: "delete-marker", Path: path, Err: err}
	}
	return nil
}

// ListSessions implements Store.
func (s *DiskStore) ListSessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &rkerrors.StoreError{Op: "list-sessions", Path: s.root, Err: err}
	}
	sessions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// DeleteSession implements Store.
func (s *DiskStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := filepath.Join(s.root, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return &rkerrors.StoreError{Op: "delete-session", Path: dir, Err: err}
	}
	return nil
}

// Close implements Store.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// writeFileSync writes data to a temp file, fsyncs it, and renames it
// into place. The rename makes the payload visible atomically.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
