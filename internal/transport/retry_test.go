package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backhaul/pkg/models"
)

func TestBackoffSequence(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 4 * time.Second, MaxAttempts: 6}

	var delays []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	assert.Equal(t, []time.Duration{
		0,               // first attempt runs immediately
		time.Second,     // initial
		2 * time.Second, // doubled
		4 * time.Second, // doubled again
		4 * time.Second, // capped
		4 * time.Second, // capped
	}, delays)
	assert.Equal(t, 6, b.Attempt())

	_, ok := b.Next()
	assert.False(t, ok, "budget stays spent")
}

func TestBackoffSingleAttempt(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, MaxAttempts: 1}

	d, ok := b.Next()
	require.True(t, ok)
	assert.Zero(t, d)

	_, ok = b.Next()
	assert.False(t, ok)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, sleepContext(ctx, time.Hour))
}

func newScriptedSession(t *testing.T, retry Backoff, sleeps *[]time.Duration) *Session {
	t.Helper()
	return &Session{
		cfg: Config{Host: "test", User: "u", RemoteDir: "/dst", Retry: retry},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
	}
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	var sleeps []time.Duration
	s := newScriptedSession(t, Backoff{Initial: time.Second, Max: 8 * time.Second, MaxAttempts: 5}, &sleeps)

	calls := 0
	s.attemptFn = func(context.Context, models.PartArtifact, func(int64)) (int64, error) {
		calls++
		if calls < 3 {
			return 100, errors.New("write remote: connection reset by peer")
		}
		return 4096, nil
	}

	part := models.PartArtifact{Index: 2, Name: "b.tar.part0002", Size: 4096}
	result, err := s.Upload(context.Background(), part, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(4096), result.BytesSent)
	assert.Equal(t, "/dst/b.tar.part0002", result.RemotePath)
	assert.Empty(t, result.Error)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps,
		"one doubling delay before each retry")
}

func TestUploadExhaustsAttempts(t *testing.T) {
	var sleeps []time.Duration
	s := newScriptedSession(t, Backoff{Initial: time.Second, Max: 3 * time.Second, MaxAttempts: 4}, &sleeps)

	s.attemptFn = func(context.Context, models.PartArtifact, func(int64)) (int64, error) {
		return 0, fmt.Errorf("%w: dial backups:22: no route to host", models.ErrUnreachable)
	}

	result, err := s.Upload(context.Background(), models.PartArtifact{Index: 0, Name: "p"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrUnreachable)
	assert.Equal(t, 4, result.Attempts)
	assert.NotEmpty(t, result.Error)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, sleeps,
		"delays double then cap")
}

func TestUploadDoesNotRetryAuthFailures(t *testing.T) {
	var sleeps []time.Duration
	s := newScriptedSession(t, Backoff{Initial: time.Second, Max: time.Minute, MaxAttempts: 5}, &sleeps)

	calls := 0
	s.attemptFn = func(context.Context, models.PartArtifact, func(int64)) (int64, error) {
		calls++
		return 0, fmt.Errorf("%w: backups:22: ssh: unable to authenticate", models.ErrAuthFailed)
	}

	_, err := s.Upload(context.Background(), models.PartArtifact{Index: 0, Name: "p"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthFailed)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestUploadDoesNotRetryLocalReadErrors(t *testing.T) {
	var sleeps []time.Duration
	s := newScriptedSession(t, Backoff{Initial: time.Second, Max: time.Minute, MaxAttempts: 5}, &sleeps)

	calls := 0
	s.attemptFn = func(context.Context, models.PartArtifact, func(int64)) (int64, error) {
		calls++
		return 0, fmt.Errorf("%w: open part /staging/p: no such file", models.ErrSourceUnreadable)
	}

	_, err := s.Upload(context.Background(), models.PartArtifact{Index: 0, Name: "p"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreadable)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestUploadStopsOnCancellation(t *testing.T) {
	var sleeps []time.Duration
	s := newScriptedSession(t, Backoff{Initial: time.Second, Max: time.Minute, MaxAttempts: 5}, &sleeps)

	ctx, cancel := context.WithCancel(context.Background())
	s.attemptFn = func(context.Context, models.PartArtifact, func(int64)) (int64, error) {
		cancel()
		return 42, errors.New("write remote: connection reset by peer")
	}

	result, err := s.Upload(ctx, models.PartArtifact{Index: 1, Name: "p"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, 1, result.Attempts, "no retry once the run is cancelled")
	assert.Empty(t, sleeps)
}
