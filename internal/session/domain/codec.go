package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// ErrMalformedRecord is returned by DecodeSession for records that cannot be used.
var ErrMalformedRecord = errors.New("malformed session record")

// NewSessionID returns a globally unique, lexicographically time-ordered session id (UUIDv7).
func NewSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// EncodeSession serializes s in RFC 8785 canonical form so rewriting an unchanged record yields identical bytes.
func EncodeSession(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", ErrMalformedRecord)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize session %s: %w", s.ID, err)
	}
	return out, nil
}

// DecodeSession parses a record written by EncodeSession.
// Records without an id or with an unknown status are rejected with ErrMalformedRecord.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if !s.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedRecord, s.Status)
	}
	if s.RecorderResults == nil {
		s.RecorderResults = map[string]RecorderResult{}
	}
	return &s, nil
}
