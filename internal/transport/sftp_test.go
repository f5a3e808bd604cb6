package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backhaul/pkg/models"
)

// newPipeSession wires a Session to an in-process SFTP server over a
// net.Pipe, so upload mechanics run against a real server without any
// network or SSH.
func newPipeSession(t *testing.T, remoteDir string) *Session {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	server, err := sftp.NewServer(serverConn)
	require.NoError(t, err)
	go server.Serve()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)

	s := &Session{
		cfg: Config{
			Host:      "pipe",
			User:      "test",
			RemoteDir: remoteDir,
			Retry:     Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1},
		},
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep: func(context.Context, time.Duration) error { return nil },
		sftp:  client,
	}
	t.Cleanup(func() {
		s.Close()
		server.Close()
	})
	return s
}

func stagePart(t *testing.T, dir string, index int, size int) models.PartArtifact {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	name := fmt.Sprintf("backup_x.tar.part%04d", index)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return models.PartArtifact{Index: index, Name: name, Path: path, Size: int64(size)}
}

func TestSessionUploadRoundTrip(t *testing.T) {
	staging := t.TempDir()
	remoteDir := t.TempDir()
	s := newPipeSession(t, remoteDir)

	part := stagePart(t, staging, 0, 300*1024)

	var updates []int64
	result, err := s.Upload(context.Background(), part, func(sent int64) {
		updates = append(updates, sent)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, part.Size, result.BytesSent)
	assert.Equal(t, remoteDir+"/"+part.Name, result.RemotePath)

	uploaded, err := os.ReadFile(filepath.Join(remoteDir, part.Name))
	require.NoError(t, err)
	local, err := os.ReadFile(part.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(local, uploaded), "remote bytes must match the part")

	partials, err := filepath.Glob(filepath.Join(remoteDir, "*.partial"))
	require.NoError(t, err)
	assert.Empty(t, partials, "no partial names survive a successful upload")

	require.NotEmpty(t, updates)
	assert.Equal(t, part.Size, updates[len(updates)-1])
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i], updates[i-1], "sent counts grow monotonically")
	}
}

func TestSessionUploadFile(t *testing.T) {
	remoteDir := t.TempDir()
	s := newPipeSession(t, remoteDir)

	local := filepath.Join(t.TempDir(), "backup_x.tar.manifest.json")
	require.NoError(t, os.WriteFile(local, []byte(`{"run_id":"r"}`), 0o644))

	require.NoError(t, s.UploadFile(context.Background(), local, "backup_x.tar.manifest.json"))

	uploaded, err := os.ReadFile(filepath.Join(remoteDir, "backup_x.tar.manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"run_id":"r"}`, string(uploaded))
}

func TestSessionUploadMissingLocalPart(t *testing.T) {
	s := newPipeSession(t, t.TempDir())

	part := models.PartArtifact{
		Index: 0,
		Name:  "gone.part0000",
		Path:  filepath.Join(t.TempDir(), "gone.part0000"),
		Size:  10,
	}
	result, err := s.Upload(context.Background(), part, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreadable)
	assert.Equal(t, 1, result.Attempts, "local read errors are not retried")
}

func TestSessionUploadCancelledMidPart(t *testing.T) {
	staging := t.TempDir()
	remoteDir := t.TempDir()
	s := newPipeSession(t, remoteDir)

	part := stagePart(t, staging, 0, 64*1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upload(ctx, part, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)

	entries, err := os.ReadDir(remoteDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled attempts must not leave remote data behind")
}

func TestSessionUploadFileMissingLocal(t *testing.T) {
	s := newPipeSession(t, t.TempDir())

	err := s.UploadFile(context.Background(), filepath.Join(t.TempDir(), "absent"), "absent")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreadable)
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Config{User: "u", RemoteDir: "/dst"})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = NewSession(Config{Host: "h", RemoteDir: "/dst"})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	_, err = NewSession(Config{Host: "h", User: "u"})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestNewSessionDefaults(t *testing.T) {
	s, err := NewSession(Config{Host: "h", User: "u", RemoteDir: "/dst"})
	require.NoError(t, err)

	assert.Equal(t, 22, s.cfg.Port)
	assert.Equal(t, 30*time.Second, s.cfg.ConnectTimeout)
	assert.Equal(t, 60*time.Second, s.cfg.IOTimeout)
	assert.Equal(t, 5, s.cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, s.cfg.Retry.Initial)
	assert.Equal(t, time.Minute, s.cfg.Retry.Max)
	assert.Nil(t, s.limiter, "no throttle unless configured")

	limited, err := NewSession(Config{Host: "h", User: "u", RemoteDir: "/dst", BandwidthLimit: 1 << 20})
	require.NoError(t, err)
	assert.NotNil(t, limited.limiter)
}

func TestTimeoutConnReadDeadline(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	tc := &timeoutConn{Conn: a, timeout: 20 * time.Millisecond}

	buf := make([]byte, 1)
	_, err := tc.Read(buf)
	require.Error(t, err)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "a stalled read surfaces as a timeout")
	assert.True(t, isRetryable(err), "wire timeouts are retry-worthy")
}
