// Package symtab holds the format and location table of a device image.
// The table is built once at startup and is read-only afterwards.
package symtab

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ErrNoTable is returned when an image carries no format entries.
var ErrNoTable = errors.New("no format table found")

// InitializationError reports a table that could not be built.
// It is fatal: nothing downstream can run without a table.
type InitializationError struct {
	Source string
	Err    error
}

func (e *InitializationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("initializing symbol table: %v", e.Err)
	}
	return fmt.Sprintf("initializing symbol table from %s: %v", e.Source, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Location is the source position a format index was logged from.
type Location struct {
	File   string
	Line   uint32
	Module string
}

// Entry is one interned format string with its metadata.
type Entry struct {
	Index    uint64
	Format   string
	Level    string
	Location Location
}

// Table maps format indices to entries. Safe for concurrent reads.
type Table struct {
	entries  map[uint64]Entry
	matchers []matcher
}

// matcher recovers a format index from rendered text.
type matcher struct {
	index   uint64
	literal int
	re      *regexp.Regexp
}

var validLevels = map[string]bool{
	"":      true,
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// New builds a Table from entries. Entries must be non-empty with unique indices.
func New(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, ErrNoTable
	}
	t := &Table{entries: make(map[uint64]Entry, len(entries))}
	for _, e := range entries {
		if _, dup := t.entries[e.Index]; dup {
			return nil, fmt.Errorf("duplicate format index %d", e.Index)
		}
		e.Level = strings.ToLower(strings.TrimSpace(e.Level))
		if !validLevels[e.Level] {
			return nil, fmt.Errorf("format index %d: unknown level %q", e.Index, e.Level)
		}
		t.entries[e.Index] = e

		re, literal, err := compileFormat(e.Format)
		if err != nil {
			return nil, fmt.Errorf("format index %d: %w", e.Index, err)
		}
		t.matchers = append(t.matchers, matcher{index: e.Index, literal: literal, re: re})
	}

	// Most specific template first so a generic "{}" format never shadows a literal one.
	slices.SortFunc(t.matchers, func(a, b matcher) int {
		if a.literal != b.literal {
			return b.literal - a.literal
		}
		switch {
		case a.index < b.index:
			return -1
		case a.index > b.index:
			return 1
		}
		return 0
	})
	return t, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Entry returns the entry for a format index.
func (t *Table) Entry(index uint64) (Entry, bool) {
	e, ok := t.entries[index]
	return e, ok
}

// Lookup returns the source location for a format index.
// A missing index is not an error; callers substitute placeholders.
func (t *Table) Lookup(index uint64) (Location, bool) {
	e, ok := t.entries[index]
	if !ok {
		return Location{}, false
	}
	return e.Location, true
}

// Match finds the format index whose template renders to text.
func (t *Table) Match(text string) (uint64, bool) {
	for _, m := range t.matchers {
		if m.re.MatchString(text) {
			return m.index, true
		}
	}
	return 0, false
}

// compileFormat turns a format template into an anchored regexp and
// reports how many literal characters it contains.
func compileFormat(format string) (*regexp.Regexp, int, error) {
	var b strings.Builder
	b.WriteString(`^`)
	literal := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case c == '{' && i+1 < len(format) && format[i+1] == '{':
			b.WriteString(regexp.QuoteMeta("{"))
			literal++
			i++
		case c == '}' && i+1 < len(format) && format[i+1] == '}':
			b.WriteString(regexp.QuoteMeta("}"))
			literal++
			i++
		case c == '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				return nil, 0, fmt.Errorf("unterminated placeholder in %q", format)
			}
			b.WriteString(`(.*?)`)
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			literal++
		}
	}
	b.WriteString(`$`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, 0, err
	}
	return re, literal, nil
}
