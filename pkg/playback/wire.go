// Package playback reconstructs exact historical document content from the
// ordered update log and drives variable-speed scrubbing over it.
package playback

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/astromechza/sharecode/pkg/logstore"
)

// WireRecord is the server→client transport form of one update record: the
// payload is gzip-compressed and base64-encoded, the timestamp ISO-8601, and
// userId null for unattributed mutations.
type WireRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Update    string    `json:"update"`
	UserID    *string   `json:"userId"`
}

// Record is the decoded engine input: an opaque payload ordered by timestamp.
type Record struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Payload   []byte
}

// EncodeUpdate compresses and base64-encodes an opaque payload.
func EncodeUpdate(payload []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeUpdate reverses EncodeUpdate.
func DecodeUpdate(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to base64 decode payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return payload, nil
}

// WireFromStore converts a stored record to its transport form.
func WireFromStore(rec logstore.Record) (WireRecord, error) {
	update, err := EncodeUpdate(rec.Payload)
	if err != nil {
		return WireRecord{}, err
	}
	w := WireRecord{ID: rec.ID, Timestamp: rec.Timestamp, Update: update}
	if rec.ActorID != "" {
		actor := rec.ActorID
		w.UserID = &actor
	}
	return w, nil
}

// Decode unpacks a wire record into engine input.
func (w WireRecord) Decode() (Record, error) {
	payload, err := DecodeUpdate(w.Update)
	if err != nil {
		return Record{}, fmt.Errorf("failed to decode record %s: %w", w.ID, err)
	}
	rec := Record{ID: w.ID, Timestamp: w.Timestamp, Payload: payload}
	if w.UserID != nil {
		rec.ActorID = *w.UserID
	}
	return rec, nil
}
