// Package session implements the per-connection state machine (spec
// section 4.2): Connected -> Authenticating -> Provisioning -> Bridged -> Closed.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/jhproxy/internal/backend"
	"github.com/sammck-go/jhproxy/internal/directory"
	"github.com/sammck-go/jhproxy/internal/logger"
	"github.com/sammck-go/jhproxy/internal/shutdown"
	"github.com/sammck-go/jhproxy/internal/splice"
)

// Session is created on TCP accept and destroyed when either transport
// closes or an unrecoverable error surfaces (spec section 3).
type Session struct {
	ID        string
	Log       logger.Logger
	Directory directory.Service
	Connector *backend.Connector
	HostKeys  []ssh.Signer

	stats *splice.ConnStats

	mu                    sync.Mutex
	state                 State
	username              string
	authSecret            string
	provisioningStarted   bool
	provisioningSucceeded bool
	pendingBackend        *bridgedBackendInfo
}

// New constructs a Session in state Connected.
func New(id string, log logger.Logger, dir directory.Service, connector *backend.Connector, hostKeys []ssh.Signer) *Session {
	return &Session{
		ID:        id,
		Log:       log,
		Directory: dir,
		Connector: connector,
		HostKeys:  hostKeys,
		state:     StateConnected,
		stats:     &splice.ConnStats{},
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle runs one inbound connection to completion: SSH handshake,
// password auth against the directory service, back-end provisioning,
// and splice. It blocks until the session closes and always closes conn
// before returning.
func (s *Session) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	config := &ssh.ServerConfig{
		PasswordCallback: s.passwordCallback(ctx),
	}
	for _, k := range s.HostKeys {
		config.AddHostKey(k)
	}

	sshConn, newChans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.Log.DLogf("[%s] handshake failed: %s", s.ID, err)
		s.teardown(ctx)
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	bridgedBackend, ok := s.backendFromBridgedState()
	s.mu.Unlock()
	if !ok {
		// Provisioning never produced a back-end connection, so there
		// is nothing to splice.
		s.teardown(ctx)
		return
	}

	clientPeer := splice.NewAdapter(s.Log, sshConn, s.stats)
	serverPeer := splice.NewAdapter(s.Log.Fork("backend"), bridgedBackend.conn, s.stats)

	engine := splice.NewEngine(s.Log, clientPeer, serverPeer)
	engine.Splice()

	s.setState(StateBridged)
	s.Log.ILogf("[%s] bridged", s.ID)

	// Either transport ending the splice must tear down the whole
	// session (spec section 4.2: Bridged -> either transport closes ->
	// Closed), not wait for both to end on their own: closing one side
	// is what makes the other side's Conn.Wait unblock in the first
	// place. shutdown.Helper runs that teardown exactly once regardless
	// of which Run goroutine gets there first.
	var closer shutdown.Helper
	closer.Init(func(completionErr error) error {
		sshConn.Close()
		bridgedBackend.conn.Close()
		s.setState(StateClosed)
		s.teardown(ctx)
		return completionErr
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := clientPeer.Run(newChans, reqs)
		if err != nil && !splice.IsDisconnect(err) {
			s.Log.WLogf("[%s] client transport ended: %s", s.ID, err)
		}
		closer.StartShutdown(err)
	}()
	go func() {
		defer wg.Done()
		err := serverPeer.Run(bridgedBackend.newChans, bridgedBackend.reqs)
		if err != nil && !splice.IsDisconnect(err) {
			s.Log.WLogf("[%s] backend transport ended: %s", s.ID, err)
		}
		closer.StartShutdown(err)
	}()
	wg.Wait()
	closer.Wait()

	s.Log.ILogf("[%s] closed, %s", s.ID, s.stats)
}

// bridgedBackendInfo carries what Handle needs to spin up serverPeer,
// set by passwordCallback once provisioning succeeds.
type bridgedBackendInfo struct {
	id       string
	conn     ssh.Conn
	newChans <-chan ssh.NewChannel
	reqs     <-chan *ssh.Request
}

func (s *Session) backendFromBridgedState() (bridgedBackendInfo, bool) {
	if s.state != StateProvisioning && s.state != StateBridged {
		return bridgedBackendInfo{}, false
	}
	if s.pendingBackend == nil {
		return bridgedBackendInfo{}, false
	}
	return *s.pendingBackend, true
}

// passwordCallback implements the Connected -> Authenticating ->
// Provisioning transitions from spec section 4.2's table. It does not
// return until the entire provisioning chain has settled, per spec
// section 5: the SSH transport holds auth open during that time.
func (s *Session) passwordCallback(ctx context.Context) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		username := meta.User()
		authSecret := string(password)

		s.setState(StateAuthenticating)
		valid, err := s.Directory.ValidateAuth(ctx, s.ID, username, authSecret)
		if err != nil {
			s.Log.WLogf("[%s] validate_auth error: %s", s.ID, err)
			return nil, fmt.Errorf("validate_auth: %w", err)
		}
		if !valid {
			s.setState(StateConnected)
			return nil, ErrInvalidCredential
		}

		s.mu.Lock()
		s.username = username
		s.authSecret = authSecret
		s.mu.Unlock()

		s.setState(StateProvisioning)
		s.mu.Lock()
		s.provisioningStarted = true
		s.mu.Unlock()

		backendConn, err := s.Connector.Connect(ctx, s.ID, username, authSecret)
		if err != nil {
			s.Log.WLogf("[%s] provisioning failed: %s", s.ID, err)
			s.setState(StateClosed)
			// ssh.ServerConfig's PasswordCallback has no hook to attach a
			// custom SSH_MSG_DISCONNECT reason string (spec section 9's
			// "Failed to connect to internal host" is therefore only
			// approximated, via the auth failure this error produces and
			// the log line above, rather than delivered to the client
			// verbatim on the wire).
			return nil, fmt.Errorf("failed to connect to internal host: %w", err)
		}

		s.mu.Lock()
		s.provisioningSucceeded = true
		s.pendingBackend = &bridgedBackendInfo{
			id:       fmt.Sprintf("%s-backend", s.ID),
			conn:     backendConn.Conn,
			newChans: backendConn.NewChans,
			reqs:     backendConn.Requests,
		}
		s.mu.Unlock()

		return nil, nil
	}
}

// teardown runs the best-effort stop-server request spec sections 3, 5
// and 4.2 require on destruction, but only if provisioning had started.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	started := s.provisioningStarted
	username, authSecret := s.username, s.authSecret
	s.provisioningStarted = false
	s.mu.Unlock()

	if !started {
		return
	}
	s.Directory.StopServer(ctx, s.ID, username, authSecret)
}
