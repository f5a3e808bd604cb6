package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"invalid config", ErrInvalidConfig, KindInvalidConfig},
		{"wrapped source", fmt.Errorf("walk %q: %w", "/x", ErrSourceUnreadable), KindSourceUnreadable},
		{"deeply wrapped auth", fmt.Errorf("connect: %w", fmt.Errorf("handshake: %w", ErrAuthFailed)), KindAuthFailed},
		{"unreachable", ErrUnreachable, KindUnreachable},
		{"destination", ErrDestinationUnwritable, KindDestinationUnwritable},
		{"cancelled", ErrCancelled, KindCancelled},
		{"unclassified", errors.New("boom"), KindTransferFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"transfer failure", errors.New("part 3 failed"), 1},
		{"config", fmt.Errorf("part size: %w", ErrInvalidConfig), 2},
		{"source", ErrSourceUnreadable, 3},
		{"auth", ErrAuthFailed, 4},
		{"staging", ErrDestinationUnwritable, 5},
		{"cancelled", fmt.Errorf("run: %w", ErrCancelled), 130},
		{"unreachable counts as transfer failure", ErrUnreachable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
