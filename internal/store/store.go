package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ErrNotGET is returned when a non-GET request is offered as a cache key.
var ErrNotGET = errors.New("store: only GET requests can be cached")

// HeaderPair is a single (name, value) response header. It marshals as a
// two-element JSON array.
type HeaderPair [2]string

// Record is a stored response. Records are immutable once written; callers
// replace them wholesale.
type Record struct {
	Status     int          `json:"status"`
	StatusText string       `json:"statusText"`
	Headers    []HeaderPair `json:"headers"`
	Body       []byte       `json:"body"`
}

// Cache is one named generation of request -> response records.
type Cache interface {
	Match(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Store namespaces caches by generation name. Generations are created lazily
// by Open and removed wholesale by Delete.
type Store interface {
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Match searches every generation in Keys order and returns the first hit.
	Match(ctx context.Context, key string) (Record, bool, error)
	Close(ctx context.Context) error
}

// RequestKey normalizes a request into its cache identity: the absolute URL
// without fragment. Only GET requests have an identity.
func RequestKey(r *http.Request) (string, error) {
	if r == nil || r.URL == nil {
		return "", errors.New("store: request required")
	}
	if r.Method != "" && r.Method != http.MethodGet {
		return "", ErrNotGET
	}
	return URLKey(r.URL.String()), nil
}

// URLKey strips the fragment from a raw URL so "#section" variants share an entry.
func URLKey(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// HeaderPairs flattens h into lower-cased names sorted lexically, combining
// repeated values with ", " the way a fetch Headers iterator does.
func HeaderPairs(h http.Header) []HeaderPair {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	out := make([]HeaderPair, 0, len(names))
	for _, name := range names {
		values := h[name]
		if len(values) == 0 {
			continue
		}
		out = append(out, HeaderPair{strings.ToLower(name), strings.Join(values, ", ")})
	}
	return out
}

// Header rebuilds an http.Header from pairs. Later pairs win for repeated names.
func Header(pairs []HeaderPair) http.Header {
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		if p[0] == "" {
			continue
		}
		h.Set(p[0], p[1])
	}
	return h
}

// FromResponse reads resp's body and captures it as a Record. The response
// body is replaced with an equivalent reader so the caller can still return it.
func FromResponse(resp *http.Response) (Record, error) {
	if resp == nil {
		return Record{}, errors.New("store: response required")
	}
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return Record{}, fmt.Errorf("store: read body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return Record{
		Status:     resp.StatusCode,
		StatusText: StatusText(resp),
		Headers:    HeaderPairs(resp.Header),
		Body:       body,
	}, nil
}

// Response materializes rec for req.
func (rec Record) Response(req *http.Request) *http.Response {
	body := make([]byte, len(rec.Body))
	copy(body, rec.Body)
	return &http.Response{
		Status:        FormatStatus(rec.Status, rec.StatusText),
		StatusCode:    rec.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        Header(rec.Headers),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// StatusText returns the reason phrase from resp.Status ("200 OK" -> "OK").
func StatusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// FormatStatus renders an http.Response Status line fragment.
func FormatStatus(code int, text string) string {
	if text == "" {
		text = http.StatusText(code)
	}
	return strings.TrimSpace(strconv.Itoa(code) + " " + text)
}

func cloneRecord(in Record) Record {
	out := Record{Status: in.Status, StatusText: in.StatusText}
	if len(in.Headers) > 0 {
		out.Headers = make([]HeaderPair, len(in.Headers))
		copy(out.Headers, in.Headers)
	}
	if in.Body != nil {
		out.Body = make([]byte, len(in.Body))
		copy(out.Body, in.Body)
	}
	return out
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("store: cache name required")
	}
	return nil
}
