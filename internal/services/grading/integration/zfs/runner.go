package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/louisbranch/gradeloop/internal/platform/timeouts"
)

// Runner executes shell commands on the host that owns the datasets.
type Runner interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error)
}

// exitStatus returns the remote exit status carried by err, or -1.
func exitStatus(err error) int {
	var status interface{ ExitStatus() int }
	if errors.As(err, &status) {
		return status.ExitStatus()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// SSHConfig addresses the snapshot host.
type SSHConfig struct {
	Addr           string
	User           string
	KeyPath        string
	KnownHostsPath string
}

// SSHRunner runs commands over one SSH connection.
type SSHRunner struct {
	client *ssh.Client
}

// DialSSH connects to the snapshot host with public key auth and verifies the
// host key against a known_hosts file.
func DialSSH(cfg SSHConfig) (*SSHRunner, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	if strings.TrimSpace(cfg.KnownHostsPath) == "" {
		return nil, fmt.Errorf("ssh known hosts file is required")
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	addr := cfg.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeouts.SSHDial,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &SSHRunner{client: client}, nil
}

// Run executes cmd in a new session. The session is closed when ctx ends.
func (r *SSHRunner) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-done:
		}
	}()

	if err := session.Run(cmd); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return stdout.Bytes(), fmt.Errorf("ssh %q: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Close closes the connection.
func (r *SSHRunner) Close() error {
	return r.client.Close()
}

// LocalRunner runs commands through the local shell.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Stdin = stdin
	if err := c.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("sh %q: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
