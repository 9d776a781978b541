package docstore

import "errors"

// Error kinds every Store implementation maps its backend errors onto.
var (
	ErrNotFound           = errors.New("docstore: not found")
	ErrAlreadyExists      = errors.New("docstore: already exists")
	ErrPermissionDenied   = errors.New("docstore: permission denied")
	ErrInvalidArgument    = errors.New("docstore: invalid argument")
	ErrFailedPrecondition = errors.New("docstore: failed precondition")
	ErrAborted            = errors.New("docstore: aborted")
	ErrUnavailable        = errors.New("docstore: unavailable")
)

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrFailedPrecondition)
}
