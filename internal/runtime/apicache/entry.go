package apicache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/l0p7/swgate/internal/store"
)

// ErrInvalidEntry marks a stored payload that does not match the entry schema.
var ErrInvalidEntry = errors.New("apicache: invalid entry")

// Entry is the persisted form of a cached API response. Response is the raw
// body (base64 in JSON), Timestamp is epoch milliseconds at write time.
type Entry struct {
	Response   []byte             `json:"response" validate:"required"`
	Headers    []store.HeaderPair `json:"headers"`
	Status     int                `json:"status" validate:"min=100,max=599"`
	StatusText string             `json:"statusText"`
	Timestamp  int64              `json:"timestamp" validate:"gt=0"`
}

// StoredAt converts Timestamp back into a time.
func (e Entry) StoredAt() time.Time { return time.UnixMilli(e.Timestamp) }

// Age is how long ago the entry was written, as seen at now.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.StoredAt()) }

func newEntry(status int, statusText string, header http.Header, body []byte, now time.Time) Entry {
	if body == nil {
		body = []byte{}
	}
	return Entry{
		Response:   body,
		Headers:    store.HeaderPairs(header),
		Status:     status,
		StatusText: statusText,
		Timestamp:  now.UnixMilli(),
	}
}

// codec encodes entries and rejects payloads that do not match the schema.
type codec struct {
	validate *validator.Validate
}

func newCodec() codec {
	return codec{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (c codec) encode(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("apicache: encode entry: %w", err)
	}
	return b, nil
}

func (c codec) decode(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if err := c.validate.Struct(e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return e, nil
}
