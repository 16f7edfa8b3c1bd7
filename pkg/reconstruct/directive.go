// Record classification for the sentinel scope markers.
// A record is an enter directive, an exit directive, or a plain log line.
package reconstruct

import "strings"

const (
	EnterPrefix = "span_enter: "
	ExitPrefix  = "span_exit: "

	// legacyFileSuffix is an older argument annotation stripped from enter names.
	legacyFileSuffix = "; file="
)

// Kind is the classification of a record.
type Kind uint8

const (
	KindLog Kind = iota
	KindEnter
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindEnter:
		return "enter"
	case KindExit:
		return "exit"
	default:
		return "log"
	}
}

// Directive is a classified record.
type Directive struct {
	Kind Kind
	// Name is the display name for enter directives and the informational
	// payload for exit directives. Empty for plain logs.
	Name string
}

// Classify inspects rendered text for a scope marker prefix.
func Classify(text string) Directive {
	if rest, ok := strings.CutPrefix(text, EnterPrefix); ok {
		if name, _, found := strings.Cut(rest, legacyFileSuffix); found {
			rest = name
		}
		return Directive{Kind: KindEnter, Name: rest}
	}
	if rest, ok := strings.CutPrefix(text, ExitPrefix); ok {
		return Directive{Kind: KindExit, Name: rest}
	}
	return Directive{Kind: KindLog}
}

// SplitArguments separates "name(args)" into name and args.
// Names without a parenthesised argument list return empty args.
func SplitArguments(display string) (name, args string) {
	open := strings.IndexByte(display, '(')
	if open < 0 {
		return strings.TrimSpace(display), ""
	}
	name = strings.TrimSpace(display[:open])
	args = display[open+1:]
	args = strings.TrimSuffix(strings.TrimSpace(args), ")")
	return name, args
}

// baseName is the scope name used to pair exits with enters.
func baseName(s string) string {
	if name, _, found := strings.Cut(s, legacyFileSuffix); found {
		s = name
	}
	name, _ := SplitArguments(s)
	return name
}
