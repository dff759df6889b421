package store

import "errors"

// Error kinds from §7. Raising sites wrap these with fmt.Errorf("...: %w",
// ErrX); callers check with errors.Is/errors.As at the REST-contract
// boundary (out of scope here, but this is the taxonomy it maps from).
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
)
