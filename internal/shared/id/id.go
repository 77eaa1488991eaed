// Package id generates the identifiers the extension host hands out.
//
// Every id is a ULID behind a short type prefix (sbx_, call_, req_, span_),
// so ids sort by creation time and say what they name in logs. Sandbox ids
// are never reused: a replacement sandbox for the same extension always
// gets a fresh one.
package id

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SandboxID identifies one sandbox instance
type SandboxID string

// CallID correlates a capability call with its response
type CallID string

// RequestID correlates a privileged-side request with the host's answer
type RequestID string

type SpanID string

const (
	SandboxPrefix = "sbx"
	CallPrefix    = "call"
	RequestPrefix = "req"
	SpanPrefix    = "span"
)

// ErrMalformed is returned for strings that are not prefix_ULID
var ErrMalformed = errors.New("malformed id")

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

func next(prefix string) string {
	mu.Lock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	mu.Unlock()
	return prefix + "_" + u.String()
}

func NewSandboxID() SandboxID { return SandboxID(next(SandboxPrefix)) }
func NewCallID() CallID       { return CallID(next(CallPrefix)) }
func NewRequestID() RequestID { return RequestID(next(RequestPrefix)) }
func NewSpanID() SpanID       { return SpanID(next(SpanPrefix)) }

func (id SandboxID) String() string { return string(id) }
func (id CallID) String() string    { return string(id) }
func (id RequestID) String() string { return string(id) }
func (id SpanID) String() string    { return string(id) }

// Split separates a prefixed id into its prefix and ULID
func Split(s string) (string, ulid.ULID, error) {
	prefix, raw, ok := strings.Cut(s, "_")
	if !ok || prefix == "" {
		return "", ulid.ULID{}, ErrMalformed
	}
	u, err := ulid.Parse(raw)
	if err != nil {
		return "", ulid.ULID{}, ErrMalformed
	}
	return prefix, u, nil
}

// CreatedAt reports when a prefixed id was minted
func CreatedAt(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
