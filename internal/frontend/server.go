// Package frontend implements the server frontend (spec section 4.5):
// it binds a listening port, loads host keys, and hands each accepted
// connection to a fresh session.Session.
package frontend

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/jhproxy/internal/backend"
	"github.com/sammck-go/jhproxy/internal/directory"
	"github.com/sammck-go/jhproxy/internal/logger"
	"github.com/sammck-go/jhproxy/internal/session"
)

// HostKeySource supplies the current set of host keys, so the frontend
// can pick up a live-reloaded set (sshutil.KeyWatcher) without caring
// how reloading works.
type HostKeySource interface {
	Keys() []ssh.Signer
}

// staticKeys is the trivial HostKeySource for a one-time, non-watched load.
type staticKeys []ssh.Signer

func (s staticKeys) Keys() []ssh.Signer { return s }

// StaticKeys wraps a fixed key set as a HostKeySource.
func StaticKeys(keys []ssh.Signer) HostKeySource { return staticKeys(keys) }

// Server accepts inbound SSH connections on a single TCP listener and
// spawns a session.Session for each (spec section 4.5).
type Server struct {
	Log       logger.Logger
	Directory directory.Service
	Connector *backend.Connector
	HostKeys  HostKeySource

	nextID uint64
}

// New constructs a Server. The directory service and back-end connector
// are shared across all sessions it accepts (spec section 5).
func New(log logger.Logger, dir directory.Service, connector *backend.Connector, keys HostKeySource) *Server {
	return &Server{Log: log, Directory: dir, Connector: connector, HostKeys: keys}
}

// ListenAndServe binds addr and accepts connections until ctx is
// cancelled or the listener errors.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	defer ln.Close()

	s.Log.ILogf("listening on %s", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	id := fmt.Sprintf("c%d", atomic.AddUint64(&s.nextID, 1))
	log := logger.New(id, s.Log.GetLogLevel())
	log.ILogf("accepted from %s", conn.RemoteAddr())

	sess := session.New(id, log, s.Directory, s.Connector, s.HostKeys.Keys())
	sess.Handle(ctx, conn)
}
