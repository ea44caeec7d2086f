// Package sshx is the remote shell driver: authenticated sessions to a
// node, command execution with timeouts, and file upload. It is the only
// transport primitive the higher layers use. The driver never retries
// commands; idempotency is the caller's concern.
package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	connectAttempts    = 5
	connectRetryDelay  = 15 * time.Second
	defaultExecTimeout = 60 * time.Second
)

// ErrAuth is returned when the node rejects the credentials. Never retried.
var ErrAuth = errors.New("ssh authentication failed")

// ErrHostKeyMismatch is returned when a node presents a host key that
// differs from the one recorded on first use. Fatal for the node.
var ErrHostKeyMismatch = errors.New("ssh host key mismatch")

// ExecResult carries the full outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the session surface the convergence engine depends on.
type Runner interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error)
	Upload(ctx context.Context, data []byte, remotePath string) error
	Close() error
}

// Target identifies one node endpoint. KnownHostKey is the SHA256
// fingerprint recorded on first use; empty means trust-on-first-use.
type Target struct {
	Host         string
	Port         int
	User         string
	Password     string
	KnownHostKey string
}

// Dialer opens a session to a target. Injectable for tests.
type Dialer func(ctx context.Context, tgt Target) (Runner, error)

// Client is a live SSH connection to one node.
type Client struct {
	client      *ssh.Client
	seenHostKey string
}

var _ Runner = (*Client)(nil)

// Dial connects to the target, retrying up to 5 times with a 15 s delay
// because a freshly created node may still be booting. Authentication
// failures and host-key mismatches abort immediately.
func Dial(ctx context.Context, tgt Target) (*Client, error) {
	c := &Client{}
	cfg := &ssh.ClientConfig{
		User:            tgt.User,
		Auth:            []ssh.AuthMethod{ssh.Password(tgt.Password)},
		HostKeyCallback: tofuHostKeyCallback(tgt.KnownHostKey, &c.seenHostKey),
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(tgt.Host, strconv.Itoa(tgt.Port))
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		conn, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			c.client = conn
			return c, nil
		}
		if errors.Is(err, ErrHostKeyMismatch) || strings.Contains(err.Error(), "host key mismatch") {
			return nil, fmt.Errorf("dial %s: %w", addr, ErrHostKeyMismatch)
		}
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("dial %s: %w", addr, ErrAuth)
		}
		lastErr = err
		if attempt == connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		case <-time.After(connectRetryDelay):
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, connectAttempts, lastErr)
}

// tofuHostKeyCallback accepts any key when knownKey is empty, recording
// its fingerprint into seen; otherwise it requires an exact match.
func tofuHostKeyCallback(knownKey string, seen *string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		fp := ssh.FingerprintSHA256(key)
		*seen = fp
		if knownKey == "" {
			return nil
		}
		if fp != knownKey {
			return fmt.Errorf("host key mismatch for %s: have %s, want %s: %w", hostname, fp, knownKey, ErrHostKeyMismatch)
		}
		return nil
	}
}

// HostKey returns the fingerprint presented by the node during the
// handshake. Callers persist it after a first successful connect.
func (c *Client) HostKey() string {
	return c.seenHostKey
}

// Exec runs one command in a fresh session. A non-zero remote exit code
// is not an error; transport failures and timeouts are.
func (c *Client) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	sess, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Closing the session tears down the remote command; the driver
		// offers no finer-grained interruption.
		_ = sess.Close()
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("exec %q: %w", truncateCmd(cmd), ctx.Err())
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("exec %q: %w", truncateCmd(cmd), err)
	}
}

// Upload writes data to remotePath over SFTP, creating parent directories.
func (c *Client) Upload(ctx context.Context, data []byte, remotePath string) error {
	sftpc, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sftpc.Close()

	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpc.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := sftpc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func truncateCmd(cmd string) string {
	const max = 96
	if len(cmd) <= max {
		return cmd
	}
	return cmd[:max] + "..."
}

// Quote single-quotes s for safe interpolation into a shell command line.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
