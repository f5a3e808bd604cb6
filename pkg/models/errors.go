package models

import "errors"

// Failure kinds. Callers wrap these with fmt.Errorf("...: %w", ...) at
// the failure site; KindOf maps a wrapped chain back to its kind.
var (
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrSourceUnreadable      = errors.New("source unreadable")
	ErrDestinationUnwritable = errors.New("destination unwritable")
	ErrAuthFailed            = errors.New("authentication failed")
	ErrUnreachable           = errors.New("remote unreachable")
	ErrCancelled             = errors.New("cancelled")
)

// Kind strings as they appear in reports and logs.
const (
	KindInvalidConfig         = "invalid_configuration"
	KindSourceUnreadable      = "source_unreadable"
	KindDestinationUnwritable = "destination_unwritable"
	KindAuthFailed            = "authentication_failed"
	KindUnreachable           = "unreachable"
	KindCancelled             = "cancelled"
	KindTransferFailed        = "transfer_failed"
)

// KindOf reports the taxonomy kind for err, or KindTransferFailed for
// anything outside the taxonomy. A nil error has no kind.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidConfig
	case errors.Is(err, ErrSourceUnreadable):
		return KindSourceUnreadable
	case errors.Is(err, ErrDestinationUnwritable):
		return KindDestinationUnwritable
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrUnreachable):
		return KindUnreachable
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindTransferFailed
	}
}

// ExitCode maps an error to the process exit status documented in the
// command help.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return 0
	case KindInvalidConfig:
		return 2
	case KindSourceUnreadable:
		return 3
	case KindAuthFailed:
		return 4
	case KindDestinationUnwritable:
		return 5
	case KindCancelled:
		return 130
	default:
		return 1
	}
}
