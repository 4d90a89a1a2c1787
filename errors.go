package diffit

import "github.com/pkg/errors"

// Sentinel errors for the model's failure modes. Construction-time validation
// returns them wrapped (see Config.Validate); graph-building code panics with
// them wrapped, following GoMLX's convention of panicking with errors during
// graph construction -- callers can recover with exceptions.TryCatch[error].
var (
	// ErrConfiguration indicates a divisibility or range invariant of the model
	// configuration was violated. It is fatal and prevents model construction.
	ErrConfiguration = errors.New("invalid model configuration")

	// ErrShapeMismatch indicates a tensor shape violated an expected invariant
	// during graph construction. It is fatal to the current forward pass.
	ErrShapeMismatch = errors.New("tensor shape violates a model invariant")

	// ErrValueDomain indicates a value outside its accepted domain, e.g. a class
	// label outside [0, NumClasses].
	ErrValueDomain = errors.New("value outside of the accepted domain")
)

func panicConfigf(format string, args ...any) {
	panic(errors.Wrapf(ErrConfiguration, format, args...))
}

func panicShapef(format string, args ...any) {
	panic(errors.Wrapf(ErrShapeMismatch, format, args...))
}
