// ScopeObserver interface for deriving signals (metrics) from closed scopes.
// Observers receive scope metadata after each scope ends.
package reconstruct

import (
	"time"

	"github.com/andrewh/scopetrace/pkg/symtab"
)

// ScopeInfo holds scope metadata for signal derivation.
type ScopeInfo struct {
	Name     string
	Depth    int // 1 for a root scope
	Started  time.Time
	Duration time.Duration
	Location symtab.Location
	// Forced is set when the scope was closed without its own exit record.
	Forced bool
}

// ScopeObserver receives scope metadata after each scope is closed.
type ScopeObserver interface {
	Observe(info ScopeInfo)
}
