// Exit handling policies for unbalanced or mismatched exit directives.
package reconstruct

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrScopeMismatch is the desynchronization cause raised by ExitResync.
var ErrScopeMismatch = errors.New("exit does not match innermost scope")

// ExitPolicy decides what an exit directive closes.
type ExitPolicy uint8

const (
	// ExitUnwind closes the innermost scope whose name matches the exit,
	// force-closing any scopes opened inside it. An exit matching no open
	// scope, or with an empty name, closes the innermost scope.
	ExitUnwind ExitPolicy = iota
	// ExitPopTop closes the innermost scope regardless of name.
	ExitPopTop
	// ExitResync treats an exit that does not match the innermost scope
	// as a desynchronized stream.
	ExitResync
)

var exitPolicyNames = map[ExitPolicy]string{
	ExitUnwind: "unwind",
	ExitPopTop: "pop",
	ExitResync: "resync",
}

func (p ExitPolicy) String() string {
	if s, ok := exitPolicyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("ExitPolicy(%d)", uint8(p))
}

// ParseExitPolicy parses "unwind", "pop" or "resync".
func ParseExitPolicy(s string) (ExitPolicy, error) {
	for p, name := range exitPolicyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown exit policy %q, valid policies: unwind, pop, resync", s)
}

// exit applies the configured policy. A non-nil error requests a resync.
func (r *Reconstructor) exit(payload string) error {
	if len(r.stack) == 0 {
		r.stats.UnmatchedExits++
		r.logger.Debug("exit with no open scope", zap.String("exit", payload))
		return nil
	}

	switch r.policy {
	case ExitPopTop:
		r.pop(false)
		return nil

	case ExitResync:
		top := r.stack[len(r.stack)-1].name
		if payload != "" && baseName(payload) != baseName(top) {
			r.stats.UnmatchedExits++
			return fmt.Errorf("%w: exit %q, innermost %q", ErrScopeMismatch, payload, top)
		}
		r.pop(false)
		return nil

	default:
		i := r.matchFrame(payload)
		if i < 0 {
			r.stats.UnmatchedExits++
			r.logger.Warn("exit matches no open scope, closing innermost",
				zap.String("exit", payload),
				zap.Strings("open_scopes", r.scopeNames()),
			)
			r.pop(false)
			return nil
		}
		for len(r.stack)-1 > i {
			r.pop(true)
		}
		r.pop(false)
		return nil
	}
}

// matchFrame returns the stack index of the innermost scope matching
// payload, or -1.
func (r *Reconstructor) matchFrame(payload string) int {
	last := len(r.stack) - 1
	if payload == "" {
		return last
	}
	want := baseName(payload)
	for i := last; i >= 0; i-- {
		if baseName(r.stack[i].name) == want {
			return i
		}
	}
	return -1
}
