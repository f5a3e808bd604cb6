package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/sftp"

	"backhaul/pkg/models"
)

// classifyDial maps a dial or handshake failure onto the taxonomy.
// Credential and host-key rejections are terminal; everything else
// about reaching the host is retryable.
func classifyDial(addr string, err error) error {
	if isAuthError(err) {
		return fmt.Errorf("%w: %s: %v", models.ErrAuthFailed, addr, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrUnreachable, addr, err)
}

// isAuthError matches the handshake failures x/crypto/ssh reports for
// rejected credentials and unverifiable host keys. The library does
// not wrap these as typed errors, so this goes by message.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "knownhosts: key mismatch") ||
		strings.Contains(msg, "knownhosts: key is unknown") ||
		strings.Contains(msg, "host key")
}

// isRetryable reports whether a failed attempt is worth a fresh
// session. Authentication, cancellation, local read problems and
// remote responses that will not change (permissions, quota) are
// terminal; connection trouble is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrAuthFailed) ||
		errors.Is(err, models.ErrCancelled) ||
		errors.Is(err, models.ErrSourceUnreadable) ||
		errors.Is(err, models.ErrInvalidConfig) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, models.ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.FxCode() {
		case sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxNoConnection:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "EOF")
}
