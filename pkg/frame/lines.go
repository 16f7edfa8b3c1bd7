// Text frame decoder for already-rendered, newline-delimited log output
// such as the text printed by host-side defmt printers.
package frame

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/andrewh/scopetrace/pkg/symtab"
)

// MaxLineLength bounds a single text line.
const MaxLineLength = 64 * 1024

// locationMarker starts the location continuation line printers emit
// under each message.
const locationMarker = "└─"

// LineDecoder splits buffered text into records, one per line.
type LineDecoder struct {
	table *symtab.Table
	buf   []byte
}

// NewLineDecoder creates a LineDecoder. When table is non-nil each line is
// matched against the table's templates to recover its format index.
func NewLineDecoder(table *symtab.Table) *LineDecoder {
	return &LineDecoder{table: table}
}

// LineFactory returns a Factory producing fresh line decoders.
func LineFactory(table *symtab.Table) Factory {
	return func() Decoder { return NewLineDecoder(table) }
}

// Received appends p to the buffer.
func (d *LineDecoder) Received(p []byte) {
	d.buf = append(d.buf, p...)
}

// Decode returns the next non-blank line as a record.
func (d *LineDecoder) Decode() (Record, error) {
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > MaxLineLength {
				n := len(d.buf)
				d.buf = nil
				return Record{}, fmt.Errorf("%w: %d bytes without a line break", ErrMalformed, n)
			}
			return Record{}, ErrNoMoreData
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if len(d.buf) == 0 {
			d.buf = nil
		}

		if len(line) > MaxLineLength {
			return Record{}, fmt.Errorf("%w: line of %d bytes exceeds %d", ErrMalformed, len(line), MaxLineLength)
		}
		if !utf8.Valid(line) {
			return Record{}, fmt.Errorf("%w: line is not valid UTF-8", ErrMalformed)
		}
		if rec, ok := d.parse(string(line)); ok {
			return rec, nil
		}
	}
}

// Flush returns an unterminated trailing line, if any.
func (d *LineDecoder) Flush() (Record, bool) {
	line := d.buf
	d.buf = nil
	if len(line) == 0 || len(line) > MaxLineLength || !utf8.Valid(line) {
		return Record{}, false
	}
	return d.parse(string(line))
}

func (d *LineDecoder) parse(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, locationMarker) {
		return Record{}, false
	}

	// Printers emit "{t} {L} {s}" by default; a timestamp is only taken as
	// one when a level token follows it.
	level, rest := levelToken(line)
	if level == LevelUnknown {
		if word, after, ok := strings.Cut(line, " "); ok && isTimestamp(word) {
			if l, r := levelToken(strings.TrimLeft(after, " ")); l != LevelUnknown {
				level, rest = l, r
			}
		}
	}
	if level != LevelUnknown {
		line = rest
	}

	rec := Record{Index: NoIndex, Text: line, Level: level}
	if d.table != nil {
		if index, ok := d.table.Match(line); ok {
			rec.Index = index
			if level == LevelUnknown {
				if e, found := d.table.Entry(index); found {
					rec.Level, _ = ParseLevel(e.Level)
				}
			}
		}
	}
	return rec, true
}

// levelToken splits an upper-case level word off the front of line.
func levelToken(line string) (Level, string) {
	word, rest, ok := strings.Cut(line, " ")
	if !ok || word != strings.ToUpper(word) {
		return LevelUnknown, line
	}
	l, known := ParseLevel(word)
	if !known {
		return LevelUnknown, line
	}
	return l, strings.TrimLeft(rest, " ")
}

// isTimestamp reports whether word looks like a printer timestamp such as
// "0.000001", "12345" or "[00:00:01.250]".
func isTimestamp(word string) bool {
	word = strings.TrimSuffix(strings.TrimPrefix(word, "["), "]")
	digits := 0
	for _, c := range word {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.' || c == ':':
		default:
			return false
		}
	}
	return digits > 0
}
