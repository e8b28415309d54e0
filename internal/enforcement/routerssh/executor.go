package routerssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 10 * time.Second

	// DefaultCommandTimeout is the default timeout for one CLI command
	DefaultCommandTimeout = 15 * time.Second
)

// runner executes one RouterOS CLI command
type runner interface {
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
	Close() error
}

// Executor runs CLI commands over a cached SSH connection, reconnecting after failures
type Executor struct {
	host           string
	port           int
	user           string
	password       string
	connectTimeout time.Duration
	commandTimeout time.Duration
	hostKey        ssh.HostKeyCallback

	client *ssh.Client
}

// ExecutorOption configures the Executor
type ExecutorOption func(*Executor)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.connectTimeout = d
	}
}

// WithCommandTimeout sets the per-command timeout used when ctx has no deadline
func WithCommandTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.commandTimeout = d
	}
}

// WithHostKey pins the router's host key
func WithHostKey(key ssh.PublicKey) ExecutorOption {
	return func(e *Executor) {
		e.hostKey = ssh.FixedHostKey(key)
	}
}

// NewExecutor creates an executor for the router at host:port
func NewExecutor(host string, port int, user, password string, opts ...ExecutorOption) *Executor {
	e := &Executor{
		host:           host,
		port:           port,
		user:           user,
		password:       password,
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		hostKey:        ssh.InsecureIgnoreHostKey(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Executor) connect(ctx context.Context) (*ssh.Client, error) {
	if e.client != nil {
		return e.client, nil
	}
	if e.host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if e.port <= 0 {
		return nil, fmt.Errorf("port must be positive")
	}
	if e.user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	config := &ssh.ClientConfig{
		User: e.user,
		Auth: []ssh.AuthMethod{
			ssh.Password(e.password),
		},
		HostKeyCallback: e.hostKey,
		Timeout:         e.connectTimeout,
	}

	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))

	dialer := net.Dialer{Timeout: e.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	e.client = ssh.NewClient(sshConn, chans, reqs)
	return e.client, nil
}

// Run executes cmd and returns its trimmed stdout and stderr
func (e *Executor) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	client, err := e.connect(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := client.NewSession()
	if err != nil {
		e.Close()
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	cmdCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, e.commandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case runErr := <-done:
		stdout = strings.TrimSpace(stdoutBuf.String())
		stderr = strings.TrimSpace(stderrBuf.String())
		return stdout, stderr, runErr
	case <-cmdCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		e.Close()
		return "", "", fmt.Errorf("command timed out: %w", cmdCtx.Err())
	}
}

// Close drops the cached connection
func (e *Executor) Close() error {
	if e.client != nil {
		err := e.client.Close()
		e.client = nil
		return err
	}
	return nil
}
