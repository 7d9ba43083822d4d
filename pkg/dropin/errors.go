package dropin

import "github.com/cockroachdb/errors"

var (
	// ErrNotImplemented signals a deliberately absent optional capability.
	ErrNotImplemented = errors.New("not implemented")

	// ErrMalformedIdentity marks identities that fail validation.
	ErrMalformedIdentity = errors.New("malformed identity")

	// ErrUnsupportedRequest is returned by handlers for paths or verbs they do
	// not serve.
	ErrUnsupportedRequest = errors.New("unsupported request")

	// ErrBadRequest is returned by handlers for undecodable or invalid input.
	ErrBadRequest = errors.New("bad request")
)

// Malformed marks err as an identity validation failure.
func Malformed(err error) error {
	return errors.Mark(err, ErrMalformedIdentity)
}

// BadRequest wraps err as a client error.
func BadRequest(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrBadRequest)
}
