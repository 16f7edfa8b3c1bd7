// Package frame turns raw byte chunks from a device into decoded log records.
// Decoders are incremental: bytes arrive in arbitrary pieces and records are
// pulled out as soon as they are complete.
package frame

import (
	"errors"
	"math"
	"strings"
)

var (
	// ErrNoMoreData means the buffer holds no complete record yet.
	// It is not a failure; feed more bytes and decode again.
	ErrNoMoreData = errors.New("no complete record buffered")

	// ErrMalformed means the decoder lost alignment with record boundaries.
	// The decoder must be replaced with a fresh one.
	ErrMalformed = errors.New("malformed frame stream")
)

// NoIndex marks a record whose source carries no format index.
const NoIndex uint64 = math.MaxUint64

// Level is the severity a record was logged at.
type Level uint8

const (
	LevelUnknown Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"", "TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// String returns the upper-case level name, or "" for LevelUnknown.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return ""
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return LevelUnknown, true
	}
	for i := 1; i < len(levelNames); i++ {
		if levelNames[i] == s {
			return Level(i), true
		}
	}
	return LevelUnknown, false
}

// Record is one decoded, fully rendered log unit.
type Record struct {
	Index uint64
	Text  string
	Level Level
}

// Decoder is an incremental frame decoder owning its buffered state.
type Decoder interface {
	// Received appends bytes to the decoder's buffer.
	Received(p []byte)
	// Decode returns the next complete record, ErrNoMoreData, or an
	// error wrapping ErrMalformed.
	Decode() (Record, error)
}

// Flusher is implemented by decoders that can surrender a trailing
// partial record once the stream has ended.
type Flusher interface {
	Flush() (Record, bool)
}

// Factory creates a decoder with a clean state.
type Factory func() Decoder
