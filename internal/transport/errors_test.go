package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"

	"backhaul/pkg/models"
)

func TestClassifyDial(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			"rejected credentials",
			errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey], no supported methods remain"),
			models.ErrAuthFailed,
		},
		{
			"host key mismatch",
			errors.New("ssh: handshake failed: knownhosts: key mismatch"),
			models.ErrAuthFailed,
		},
		{
			"unknown host key",
			errors.New("ssh: handshake failed: knownhosts: key is unknown"),
			models.ErrAuthFailed,
		},
		{
			"connection refused",
			errors.New("dial tcp 10.0.0.5:22: connect: connection refused"),
			models.ErrUnreachable,
		},
		{
			"dns failure",
			errors.New("dial tcp: lookup backups.internal: no such host"),
			models.ErrUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyDial("backups.internal:22", tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth failed", fmt.Errorf("%w: nope", models.ErrAuthFailed), false},
		{"cancelled", fmt.Errorf("%w: mid-part", models.ErrCancelled), false},
		{"context cancelled", context.Canceled, false},
		{"local read", fmt.Errorf("%w: open part", models.ErrSourceUnreadable), false},
		{"invalid config", fmt.Errorf("%w: no key", models.ErrInvalidConfig), false},
		{"unreachable", fmt.Errorf("%w: dial", models.ErrUnreachable), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"connection reset string", errors.New("write remote: connection reset by peer"), true},
		{"broken pipe string", errors.New("write remote: broken pipe"), true},
		{"eof", errors.New("write remote: unexpected EOF"), true},
		{"plain failure", errors.New("checksum mismatch"), false},
		{
			"sftp permission denied",
			fmt.Errorf("create /dst/p.partial: %w", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxPermissionDenied)}),
			false,
		},
		{
			"sftp connection lost",
			fmt.Errorf("write remote: %w", &sftp.StatusError{Code: uint32(sftp.ErrSSHFxConnectionLost)}),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}
