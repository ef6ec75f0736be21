// Package backend implements the back-end connector (spec section 4.3):
// it asks the directory service to start the user's back-end server, then
// opens and authenticates an outbound SSH client connection to it.
package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/jhproxy/internal/directory"
	"github.com/sammck-go/jhproxy/internal/logger"
)

// Backend bundles the raw pieces of a freshly authenticated outbound SSH
// connection. A *ssh.Client is deliberately not used here: its NewClient
// constructor spins up its own background goroutine that discards
// incoming global requests and rejects incoming channel opens, which
// would hide exactly the traffic the splice engine needs to see. Using
// ssh.NewClientConn directly keeps that channel/request traffic in the
// caller's hands.
type Backend struct {
	Conn     ssh.Conn
	NewChans <-chan ssh.NewChannel
	Requests <-chan *ssh.Request
}

// dialRetryWindow bounds how long the connector keeps retrying a
// transient outbound dial failure (e.g. the container's sshd has not
// finished starting yet) once start_server has already reported the
// container running.
const dialRetryWindow = 30 * time.Second

// Connector opens the second, outbound SSH connection described in spec
// section 4.3, on behalf of an already-authenticated inbound session.
type Connector struct {
	Directory directory.Service
	Log       logger.Logger

	// InitialRetrySecs is the starting retry interval passed to
	// directory.Service.StartServer (spec section 4.1 default: 10).
	InitialRetrySecs int
}

// NewConnector constructs a Connector with the spec-default 10s initial
// retry interval.
func NewConnector(dir directory.Service, log logger.Logger) *Connector {
	return &Connector{Directory: dir, Log: log, InitialRetrySecs: 10}
}

// Connect runs the full back-end provisioning chain: start the server,
// fetch forwarding args, dial it, and wait for its own user-auth to
// complete. It returns directory.ErrProvisioningFailed (wrapped with
// context) on any failure, matching spec section 7's propagation policy.
func (c *Connector) Connect(ctx context.Context, connID, username, authSecret string) (*Backend, error) {
	if err := c.Directory.StartServer(ctx, connID, username, authSecret, c.InitialRetrySecs); err != nil {
		return nil, fmt.Errorf("%w: %s", directory.ErrProvisioningFailed, err)
	}

	c.Log.DLogf("[%s] connecting to internal host", connID)
	args, err := c.Directory.GetForwardingArgs(ctx, connID, username, authSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", directory.ErrProvisioningFailed, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if args.KnownHostsPath != "" {
		cb, err := knownHostsCallback(args.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", directory.ErrProvisioningFailed, err)
		}
		hostKeyCallback = cb
	}

	clientConfig := &ssh.ClientConfig{
		User:            args.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(args.Password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	backend, err := c.dialWithRetry(ctx, addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", directory.ErrProvisioningFailed, err)
	}

	c.Log.DLogf("[%s] connected internally to %s", connID, addr)
	return backend, nil
}

// dialWithRetry retries transient dial failures for a bounded window,
// since the directory service reporting "started" does not guarantee
// sshd inside the container is already accepting connections.
func (c *Connector) dialWithRetry(ctx context.Context, addr string, config *ssh.ClientConfig) (*Backend, error) {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	deadline := time.Now().Add(dialRetryWindow)
	var lastErr error
	for {
		backend, err := c.dialOnce(addr, config)
		if err == nil {
			return backend, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, lastErr
		}
		d := b.Duration()
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Connector) dialOnce(addr string, config *ssh.ClientConfig) (*Backend, error) {
	netConn, err := net.DialTimeout("tcp", addr, config.Timeout)
	if err != nil {
		return nil, err
	}
	conn, newChans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return &Backend{Conn: conn, NewChans: newChans, Requests: reqs}, nil
}
