// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/netbridge/pkg/execcontext"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNoAuthMethod = errors.New("either a password or a private key is required")
	ErrDial         = errors.New("unable to connect")
)

const defaultDialTimeout = 10 * time.Second

// Client implements the Runner interface over a single, lazily dialed SSH
// connection. A new session is opened for every command. If the connection
// drops, the next Run dials again.
type Client struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte

	mu   sync.Mutex
	conn *ssh.Client
}

// NewPasswordClient creates a client authenticating with a password.
func NewPasswordClient(host string, port int, user, password string) (*Client, error) {
	if password == "" {
		return nil, ErrNoAuthMethod
	}
	return &Client{Host: host, Port: port, User: user, Password: password}, nil
}

// NewKeyClient creates a client authenticating with the private key found at
// privateKeyPath.
func NewKeyClient(host string, port int, user, privateKeyPath string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	return &Client{Host: host, Port: port, User: user, PrivateKey: key}, nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, ErrNoAuthMethod
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // lab hosts are recreated too often to pin keys
		Timeout:         defaultDialTimeout,
	}, nil
}

// connect returns the cached connection, dialing a new one if needed.
func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		// keepalive check: a dead connection is replaced
		if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c.conn, nil
		}
		runFuncAndLogErr(c.conn.Close)
		c.conn = nil
	}

	config, err := c.config()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	d.Timeout = config.Timeout
	netConn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("%w to %s: %w", ErrDial, c.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.addr(), config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("%w to %s: %w", ErrDial, c.addr(), err)
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	return c.conn, nil
}

// Run implements Runner.
func (c *Client) Run(
	ctx context.Context,
	execCtx execcontext.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return "", "", err
	}

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(execcontext.FormatCmd(execCtx, cmd...)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		// buffers are still owned by the running session
		return "", "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("remote command failed: %w", err)
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

// Close closes the underlying connection. It is safe to call Close more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
