package contracts

import "errors"

var (
	// ErrMissingTypeName marks a delivery whose headers lack a TypeName.
	ErrMissingTypeName = errors.New("message has no TypeName header")
	ErrEmptyBody       = errors.New("message body is empty")
)
