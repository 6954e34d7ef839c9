package transport

import (
	"fmt"

	"github.com/opd-ai/meshconnect/errs"
)

// newUnreachable wraps a low-level dial failure as errs.ErrUnreachable,
// carrying the endpoint and underlying cause for logs while letting callers
// use errors.Is(err, errs.ErrUnreachable) uniformly.
func newUnreachable(dest Endpoint, cause error) error {
	return fmt.Errorf("transport: connect %s: %w: %w", dest, errs.ErrUnreachable, cause)
}
