package graph

import "github.com/pkg/errors"

// The three fatal error classes of the compiler. Callers match them with
// errors.Is; every returned error wraps one of these with node/operation
// context.
var (
	// ErrConfiguration marks an invalid build-option combination. It is raised
	// by BuildConfig validation, before any graph work begins.
	ErrConfiguration = errors.New("invalid build configuration")

	// ErrGraphIntegrity marks a broken graph: a descriptor referencing a
	// missing dependency id, a missing node during traversal, or an identifier
	// collision on rename.
	ErrGraphIntegrity = errors.New("graph integrity violation")

	// ErrStructuralPrecondition marks an edit primitive called outside its
	// stated precondition. These are programming errors in passes, not
	// recoverable data errors.
	ErrStructuralPrecondition = errors.New("structural precondition violation")
)
