// Package transport moves part files to the remote host over SFTP.
// One Session serves one run; attempts that fail for connection
// reasons tear the session down and re-dial before the part is resent
// from byte zero.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/time/rate"

	"backhaul/pkg/models"
)

const copyChunkSize = 256 * 1024

// Config holds everything a Session needs to reach the remote
// directory. Secrets are referenced as environment variable names,
// never as values.
type Config struct {
	Host            string
	Port            int
	User            string
	RemoteDir       string
	KeyFile         string
	KeyPassEnv      string
	PasswordEnv     string
	KnownHostsFile  string
	InsecureHostKey bool
	ConnectTimeout  time.Duration
	IOTimeout       time.Duration
	BandwidthLimit  int64 // bytes per second, 0 means unlimited
	Retry           Backoff
	Logger          *slog.Logger
	Sleep           SleepFunc // nil means real sleeping
}

// Session is one SFTP connection, exclusively owned by its run.
// Methods are not safe for concurrent use; the pipeline is strictly
// one upload at a time.
type Session struct {
	cfg     Config
	log     *slog.Logger
	sleep   SleepFunc
	limiter *rate.Limiter
	client  *ssh.Client
	sftp    *sftp.Client

	// attemptFn is swapped out in tests to script attempt outcomes.
	attemptFn func(ctx context.Context, part models.PartArtifact, progressFn func(int64)) (int64, error)
}

// NewSession validates cfg and returns an unconnected Session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: remote host is required", models.ErrInvalidConfig)
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("%w: remote user is required", models.ErrInvalidConfig)
	}
	if cfg.RemoteDir == "" {
		return nil, fmt.Errorf("%w: remote directory is required", models.ErrInvalidConfig)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 60 * time.Second
	}

	s := &Session{cfg: cfg, log: cfg.Logger, sleep: cfg.Sleep}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if cfg.BandwidthLimit > 0 {
		burst := int(cfg.BandwidthLimit)
		if burst < copyChunkSize {
			burst = copyChunkSize
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
	}
	return s, nil
}

// Connect dials the host, runs the SSH handshake, opens the SFTP
// subsystem and ensures the remote directory exists. Calling it on a
// connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if s.sftp != nil {
		return nil
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	auth, err := s.authMethods()
	if err != nil {
		return err
	}
	hostKeys, err := s.hostKeyCallback()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", models.ErrUnreachable, addr, err)
	}

	// Every read and write on the wire carries a rolling deadline so a
	// stalled transfer surfaces as a timeout instead of hanging.
	tconn := &timeoutConn{Conn: conn, timeout: s.cfg.IOTimeout}
	sshConn, chans, reqs, err := ssh.NewClientConn(tconn, addr, &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         s.cfg.ConnectTimeout,
	})
	if err != nil {
		conn.Close()
		return classifyDial(addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: sftp subsystem on %s: %v", models.ErrUnreachable, addr, err)
	}
	if err := sftpClient.MkdirAll(s.cfg.RemoteDir); err != nil {
		sftpClient.Close()
		client.Close()
		return fmt.Errorf("remote mkdir %s: %w", s.cfg.RemoteDir, err)
	}

	s.client, s.sftp = client, sftpClient
	s.log.Debug("session connected", "addr", addr, "remote_dir", s.cfg.RemoteDir)
	return nil
}

// Upload sends one part, retrying per the session's backoff. The
// returned result is meaningful on failure too: it carries the
// attempts used, bytes sent on the last attempt and the final error.
func (s *Session) Upload(ctx context.Context, part models.PartArtifact, progressFn func(sent int64)) (models.TransferResult, error) {
	result := models.TransferResult{Part: part}
	start := time.Now()

	attempt := s.attemptFn
	if attempt == nil {
		attempt = s.attempt
	}

	backoff := s.cfg.Retry
	var lastErr error
	for {
		delay, ok := backoff.Next()
		if !ok {
			break
		}
		if delay > 0 {
			s.log.Info("retrying part", "part", part.Index, "attempt", backoff.Attempt(), "delay", delay)
			if err := s.sleep(ctx, delay); err != nil {
				lastErr = fmt.Errorf("%w: waiting to retry part %d", models.ErrCancelled, part.Index)
				break
			}
		}
		result.Attempts = backoff.Attempt()

		sent, err := attempt(ctx, part, progressFn)
		result.BytesSent = sent
		if err == nil {
			result.RemotePath = path.Join(s.cfg.RemoteDir, part.Name)
			result.Elapsed = time.Since(start)
			s.log.Info("part transferred", "part", part.Index, "bytes", sent, "attempts", result.Attempts)
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			lastErr = fmt.Errorf("%w: part %d: %v", models.ErrCancelled, part.Index, err)
			break
		}
		if !isRetryable(err) {
			break
		}
		s.log.Warn("attempt failed", "part", part.Index, "attempt", backoff.Attempt(), "error", err)
		s.reset()
	}

	result.Elapsed = time.Since(start)
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result, lastErr
}

// UploadFile sends an arbitrary local file (the run manifest) under
// remoteName, with the same retry behavior as parts.
func (s *Session) UploadFile(ctx context.Context, localPath, remoteName string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", models.ErrSourceUnreadable, localPath, err)
	}
	_, err = s.Upload(ctx, models.PartArtifact{
		Index: -1,
		Name:  remoteName,
		Path:  localPath,
		Size:  info.Size(),
	}, nil)
	return err
}

// attempt performs a single whole-part try over the current session,
// connecting first if needed. Data lands in a .partial name and is
// renamed once complete, so the remote directory only ever holds
// whole parts under final names.
func (s *Session) attempt(ctx context.Context, part models.PartArtifact, progressFn func(int64)) (int64, error) {
	if err := s.Connect(ctx); err != nil {
		return 0, err
	}

	f, err := os.Open(part.Path)
	if err != nil {
		return 0, fmt.Errorf("%w: open part %s: %v", models.ErrSourceUnreadable, part.Path, err)
	}
	defer f.Close()

	finalPath := path.Join(s.cfg.RemoteDir, part.Name)
	partialPath := finalPath + ".partial"

	w, err := s.sftp.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", partialPath, err)
	}

	sent, err := s.copyChunks(ctx, w, f, progressFn)
	if err != nil {
		w.Close()
		s.removeQuiet(partialPath)
		return sent, err
	}
	if err := w.Close(); err != nil {
		s.removeQuiet(partialPath)
		return sent, fmt.Errorf("close %s: %w", partialPath, err)
	}
	if err := s.rename(partialPath, finalPath); err != nil {
		s.removeQuiet(partialPath)
		return sent, err
	}
	return sent, nil
}

func (s *Session) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, progressFn func(int64)) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var sent int64
	for {
		if ctx.Err() != nil {
			return sent, fmt.Errorf("%w: mid-part", models.ErrCancelled)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				if err := s.limiter.WaitN(ctx, n); err != nil {
					return sent, fmt.Errorf("%w: bandwidth wait", models.ErrCancelled)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return sent, fmt.Errorf("write remote: %w", werr)
			}
			sent += int64(n)
			if progressFn != nil {
				progressFn(sent)
			}
		}
		if rerr == io.EOF {
			return sent, nil
		}
		if rerr != nil {
			return sent, fmt.Errorf("%w: read part: %v", models.ErrSourceUnreadable, rerr)
		}
	}
}

// rename moves the partial onto its final name. PosixRename
// overwrites atomically where the server supports it; the fallback
// clears the target first.
func (s *Session) rename(from, to string) error {
	if err := s.sftp.PosixRename(from, to); err == nil {
		return nil
	}
	s.removeQuiet(to)
	if err := s.sftp.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s: %w", to, err)
	}
	return nil
}

func (s *Session) removeQuiet(remotePath string) {
	if s.sftp == nil {
		return
	}
	if err := s.sftp.Remove(remotePath); err != nil {
		s.log.Debug("could not remove remote file", "path", remotePath, "error", err)
	}
}

// reset tears the connection down so the next attempt re-dials.
func (s *Session) reset() {
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// Close releases the session. Safe on a never-connected or already
// closed session.
func (s *Session) Close() error {
	var firstErr error
	if s.sftp != nil {
		firstErr = s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.client = nil
	}
	return firstErr
}

func (s *Session) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if s.cfg.KeyFile != "" {
		key, err := os.ReadFile(s.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read key %s: %v", models.ErrInvalidConfig, s.cfg.KeyFile, err)
		}
		var signer ssh.Signer
		if pass := os.Getenv(s.cfg.KeyPassEnv); s.cfg.KeyPassEnv != "" && pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse key %s: %v", models.ErrAuthFailed, s.cfg.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			s.log.Debug("ssh agent unavailable", "error", err)
		}
	}

	if s.cfg.PasswordEnv != "" {
		pass := os.Getenv(s.cfg.PasswordEnv)
		if pass == "" {
			return nil, fmt.Errorf("%w: password variable %s is not set", models.ErrInvalidConfig, s.cfg.PasswordEnv)
		}
		methods = append(methods, ssh.Password(pass))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no authentication method available (key file, ssh agent or password variable)", models.ErrAuthFailed)
	}
	return methods, nil
}

func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	knownHosts := s.cfg.KnownHostsFile
	if knownHosts == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: locate known_hosts: %v", models.ErrInvalidConfig, err)
		}
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("%w: known_hosts %s: %v", models.ErrInvalidConfig, knownHosts, err)
	}
	return cb, nil
}

// timeoutConn applies a per-operation deadline to reads and writes.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
