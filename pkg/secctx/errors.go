package secctx

import (
	"errors"
	"fmt"
)

// ErrReleased is returned when a released context is used.
var ErrReleased = errors.New("security context released")

// AuthError reports a credential acquisition or renewal failure. Fatal is set
// when the flavor makes authentication mandatory.
type AuthError struct {
	Op        string
	Principal string
	Flavor    Flavor
	Fatal     bool
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s %s credential for %s: %v", e.Op, e.Flavor, e.Principal, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err is a fatal *AuthError.
func IsFatal(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Fatal
}
