package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrCameraExists is returned when adding a camera id that is already
	// managed.
	ErrCameraExists = errors.New("camera already exists")

	// ErrCameraNotFound is returned for operations on unknown camera ids.
	ErrCameraNotFound = errors.New("camera not found")
)

// PermanentSourceError marks a source failure that retrying cannot fix, such
// as an unsupported URL or an authentication rejection. Workers stop
// reconnecting after max_initial_attempts of these.
type PermanentSourceError struct {
	Reason string
}

func (e *PermanentSourceError) Error() string {
	return fmt.Sprintf("permanent source error: %s", e.Reason)
}

// IsPermanent reports whether the error chain contains a permanent source
// failure.
func IsPermanent(err error) bool {
	var perm *PermanentSourceError
	return errors.As(err, &perm)
}
