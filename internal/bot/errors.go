package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/lilydjwg/xmpptalk/internal/textutil"
)

var (
	// ErrForbidden marks a request refused by policy rather than by input
	ErrForbidden = errors.New("forbidden")

	ErrProfileTimeout = errors.New("profile request timed out")
)

// ExitCode tells the process driver what to do after Run returns
type ExitCode int

const (
	ExitQuit ExitCode = iota + 1
	ExitRestart
)

func (c ExitCode) String() string {
	switch c {
	case ExitQuit:
		return "quit"
	case ExitRestart:
		return "restart"
	default:
		return fmt.Sprintf("exit(%d)", int(c))
	}
}

// ExitError is returned from Run when a privileged command asks the
// process to stop or re-execute itself.
type ExitError struct {
	Code ExitCode
	By   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s requested by %s", e.Code, e.By)
}

// ThrottleError rejects a nick change made too soon after the last one
type ThrottleError struct {
	Wait time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("you can't change your nick too often; try again in %s", textutil.FormatDuration(e.Wait))
}

func (e *ThrottleError) Unwrap() error {
	return ErrForbidden
}

// DuplicateNickError rejects a nick held by someone else
type DuplicateNickError struct {
	Nick string
}

func (e *DuplicateNickError) Error() string {
	return "duplicate nick name: " + e.Nick
}

// userFacing reports errors whose text can be shown to the sender
func userFacing(err error) bool {
	var (
		verr *textutil.ValidationError
		terr *ThrottleError
		derr *DuplicateNickError
	)
	return errors.As(err, &verr) || errors.As(err, &terr) || errors.As(err, &derr)
}
