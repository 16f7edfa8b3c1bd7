// Location resolution and the fixed source-location attribute mapping.
// Keys follow the OpenTelemetry code.* conventions used by trace viewers.
package reconstruct

import (
	"github.com/andrewh/scopetrace/pkg/symtab"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// DefaultModule is the namespace recorded when a format index has no location.
const DefaultModule = "unknown"

// ArgumentsKey carries the argument text of a scope when arguments are split
// from its name.
const ArgumentsKey = attribute.Key("code.function.arguments")

// LocationTable resolves a format index to a source location.
// *symtab.Table satisfies it.
type LocationTable interface {
	Lookup(index uint64) (symtab.Location, bool)
}

// resolve looks up index, substituting placeholders when it is absent.
func (r *Reconstructor) resolve(index uint64) symtab.Location {
	if r.locations != nil {
		if loc, ok := r.locations.Lookup(index); ok {
			return loc
		}
	}
	return symtab.Location{Module: r.defaultModule}
}

// locationAttributes maps a location onto code.filepath, code.lineno and code.namespace.
func locationAttributes(loc symtab.Location) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.CodeFilepathKey.String(loc.File),
		semconv.CodeLineNumberKey.Int64(int64(loc.Line)),
		semconv.CodeNamespaceKey.String(loc.Module),
	}
}

// scopeAttributes adds code.function to the location mapping.
func scopeAttributes(function string, loc symtab.Location) []attribute.KeyValue {
	return append([]attribute.KeyValue{semconv.CodeFunctionKey.String(function)}, locationAttributes(loc)...)
}
