// Format-string rendering: substitutes decoded arguments into interned
// templates using {} placeholders with optional type and display hints.
package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// countPlaceholders returns the number of argument placeholders in format.
func countPlaceholders(format string) int {
	n := 0
	for i := 0; i < len(format); i++ {
		switch format[i] {
		case '{':
			if i+1 < len(format) && format[i+1] == '{' {
				i++
				continue
			}
			n++
		case '}':
			if i+1 < len(format) && format[i+1] == '}' {
				i++
			}
		}
	}
	return n
}

// render substitutes args into format. The caller guarantees
// len(args) == countPlaceholders(format).
func render(format string, args []any) (string, error) {
	var b strings.Builder
	b.Grow(len(format) + 8*len(args))
	next := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case c == '{' && i+1 < len(format) && format[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(format) && format[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder at offset %d", i)
			}
			if next >= len(args) {
				return "", fmt.Errorf("format needs more than %d arguments", len(args))
			}
			writeValue(&b, args[next], displayHint(format[i+1:i+end]))
			next++
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// displayHint extracts the hint after ':' in "=u8:x" or ":?".
func displayHint(param string) string {
	if _, hint, ok := strings.Cut(param, ":"); ok {
		return hint
	}
	return ""
}

func writeValue(b *strings.Builder, v any, hint string) {
	switch x := v.(type) {
	case nil:
		b.WriteString("None")
	case string:
		if hint == "?" {
			b.WriteString(strconv.Quote(x))
			return
		}
		b.WriteString(x)
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case []byte:
		items := make([]any, len(x))
		for i, c := range x {
			items[i] = uint64(c)
		}
		writeList(b, items, hint)
	case []any:
		writeList(b, x, hint)
	case float32:
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	default:
		if u, ok := asUint(v); ok {
			b.WriteString(formatUint(u, hint))
			return
		}
		if i, ok := asInt(v); ok {
			if i < 0 {
				b.WriteByte('-')
				b.WriteString(formatUint(uint64(-i), hint))
				return
			}
			b.WriteString(formatUint(uint64(i), hint))
			return
		}
		fmt.Fprint(b, v)
	}
}

func writeList(b *strings.Builder, items []any, hint string) {
	b.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		writeValue(b, item, hint)
	}
	b.WriteByte(']')
}

func formatUint(u uint64, hint string) string {
	switch hint {
	case "x":
		return strconv.FormatUint(u, 16)
	case "X":
		return strings.ToUpper(strconv.FormatUint(u, 16))
	case "#x":
		return "0x" + strconv.FormatUint(u, 16)
	case "#X":
		return "0x" + strings.ToUpper(strconv.FormatUint(u, 16))
	case "b":
		return strconv.FormatUint(u, 2)
	case "#b":
		return "0b" + strconv.FormatUint(u, 2)
	case "o":
		return strconv.FormatUint(u, 8)
	default:
		return strconv.FormatUint(u, 10)
	}
}

func asUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case uint:
		return uint64(x), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	}
	return 0, false
}
