// Table file loading: YAML and TOML images describing interned formats.
// Any failure here is an InitializationError.
package symtab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Kind identifies the table file encoding.
type Kind string

const (
	KindYAML Kind = "yaml"
	KindTOML Kind = "toml"
)

// image mirrors the on-disk table file.
type image struct {
	Encoding string       `yaml:"encoding,omitempty" toml:"encoding"`
	Entries  []imageEntry `yaml:"entries" toml:"entries"`
}

type imageEntry struct {
	Index  uint64 `yaml:"index" toml:"index"`
	Format string `yaml:"format" toml:"format"`
	Level  string `yaml:"level,omitempty" toml:"level"`
	File   string `yaml:"file,omitempty" toml:"file"`
	Line   uint32 `yaml:"line,omitempty" toml:"line"`
	Module string `yaml:"module,omitempty" toml:"module"`
}

// Image is a parsed table together with the frame encoding it declares.
type Image struct {
	Table *Table
	// Encoding is the frame encoding named by the image, empty if unset.
	Encoding string
}

// Load reads a table file, choosing the decoder from its extension.
// Files without a .toml extension are parsed as YAML.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied table path is expected
	if err != nil {
		return nil, &InitializationError{Source: path, Err: fmt.Errorf("reading table: %w", err)}
	}
	kind := KindYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		kind = KindTOML
	}
	img, err := Parse(data, kind)
	if err != nil {
		var ie *InitializationError
		if errors.As(err, &ie) {
			ie.Source = path
		}
		return nil, err
	}
	return img, nil
}

// Parse decodes a table image held in memory.
func Parse(data []byte, kind Kind) (*Image, error) {
	var raw image
	switch kind {
	case KindYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &InitializationError{Err: fmt.Errorf("parsing yaml: %w", err)}
		}
	case KindTOML:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, &InitializationError{Err: fmt.Errorf("parsing toml: %w", err)}
		}
	default:
		return nil, &InitializationError{Err: fmt.Errorf("unknown table kind %q, valid kinds: yaml, toml", kind)}
	}

	entries := make([]Entry, 0, len(raw.Entries))
	for _, re := range raw.Entries {
		entries = append(entries, Entry{
			Index:  re.Index,
			Format: re.Format,
			Level:  re.Level,
			Location: Location{
				File:   re.File,
				Line:   re.Line,
				Module: re.Module,
			},
		})
	}

	t, err := New(entries)
	if err != nil {
		return nil, &InitializationError{Err: err}
	}
	return &Image{Table: t, Encoding: strings.TrimSpace(raw.Encoding)}, nil
}
