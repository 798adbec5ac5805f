package voting

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("proposal not found")
	ErrAlreadyVoted     = errors.New("already voted for this proposal")
	ErrForbidden        = errors.New("only the author or the administrator may do that")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Unavailable wraps a backing failure so callers can tell it apart from domain errors.
// Nil and domain errors are returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil || IsDomain(err) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

// IsDomain reports whether err is one of the recoverable user-facing errors.
func IsDomain(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyVoted) ||
		errors.Is(err, ErrForbidden)
}

// ErrInconsistent is returned by Service.Verify when a tally disagrees with the ballots.
var ErrInconsistent = errors.New("tally inconsistent with ballots")
