// Package fault holds the error classes shared by the storage core.
//
// Errors are single instances so callers can compare them with errors.Is,
// and each belongs to a class that survives wrapping with fmt.Errorf("%w").
package fault

import "errors"

// to allow for different classes of errors
type ExistsError string
type InvalidError string
type InvariantError string
type NotFoundError string
type UnavailableError string

// common errors - keep in alphabetic order
var (
	ErrBatchNotApplied    = InvariantError("batch could not be applied atomically")
	ErrEmptyLabel         = InvalidError("marker label is empty")
	ErrEmptyLabels        = InvalidError("marker label set is empty")
	ErrInvalidCount       = InvalidError("count must not be negative")
	ErrInvalidLabel       = InvalidError("marker label contains a NUL byte")
	ErrInvalidPoints      = InvalidError("points must satisfy 0 < points <= max points")
	ErrInvalidUserID      = InvalidError("user id is invalid")
	ErrMarkerNotFound     = NotFoundError("marker does not exist")
	ErrNonPositiveTotal   = InvariantError("marker total count must be positive")
	ErrRequiredPublicName = InvalidError("public name is required")
	ErrRequiredSecretName = InvalidError("secret name is required")
	ErrSelfFriendship     = InvalidError("cannot befriend oneself")
	ErrStoreUnavailable   = UnavailableError("key value store unavailable")
	ErrTokenNotFound      = NotFoundError("invitation token does not exist")
	ErrUnflaggedMarkers   = InvalidError("markers can only accompany a bot classification")
	ErrUserExists         = ExistsError("user already exists")
	ErrUserNotFound       = NotFoundError("user does not exist")
)

func (e ExistsError) Error() string      { return string(e) }
func (e InvalidError) Error() string     { return string(e) }
func (e InvariantError) Error() string   { return string(e) }
func (e NotFoundError) Error() string    { return string(e) }
func (e UnavailableError) Error() string { return string(e) }

// determine the class of an error
func IsErrExists(e error) bool      { var t ExistsError; return errors.As(e, &t) }
func IsErrInvalid(e error) bool     { var t InvalidError; return errors.As(e, &t) }
func IsErrInvariant(e error) bool   { var t InvariantError; return errors.As(e, &t) }
func IsErrNotFound(e error) bool    { var t NotFoundError; return errors.As(e, &t) }
func IsErrUnavailable(e error) bool { var t UnavailableError; return errors.As(e, &t) }

// Unavailable marks err as a retryable store failure while keeping it
// reachable through errors.Is/As.
func Unavailable(err error) error {
	if err == nil || IsErrUnavailable(err) {
		return err
	}
	return &wrapped{class: ErrStoreUnavailable, err: err}
}

type wrapped struct {
	class error
	err   error
}

func (w *wrapped) Error() string   { return w.class.Error() + ": " + w.err.Error() }
func (w *wrapped) Unwrap() []error { return []error{w.class, w.err} }
