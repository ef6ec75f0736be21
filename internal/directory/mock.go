package directory

import (
	"context"

	"github.com/sammck-go/jhproxy/internal/logger"
)

// Mock is a stand-in directory service for local development and testing.
// It supplements the original source, which shipped only a
// unittest.mock.MagicMock-based directory service (the real JupyterHub
// facade was left as a commented-out TODO in main.py) — here that
// behavior is an explicit, logged "-mock" mode rather than the silent
// default the original had.
type Mock struct {
	Log logger.Logger

	// Host/Port are returned verbatim by GetForwardingArgs; the
	// Username/Password it returns are always the caller's own
	// credentials.
	Host string
	Port int
}

// NewMock creates a Mock directory service that points at host:port
// (typically a loopback SSH server used for development).
func NewMock(log logger.Logger, host string, port int) *Mock {
	if port == 0 {
		port = 22
	}
	return &Mock{Log: log, Host: host, Port: port}
}

func (m *Mock) ValidateAuth(ctx context.Context, connID, username, authSecret string) (bool, error) {
	m.Log.ILogf("[%s] (mock) validating user %q", connID, username)
	return true, nil
}

func (m *Mock) GetForwardingArgs(ctx context.Context, connID, username, authSecret string) (ForwardingArgs, error) {
	return ForwardingArgs{
		Host:     m.Host,
		Port:     m.Port,
		Username: username,
		Password: authSecret,
	}, nil
}

func (m *Mock) StartServer(ctx context.Context, connID, username, authSecret string, retrySecs int) error {
	m.Log.DLogf("[%s] (mock) container already running", connID)
	return nil
}

func (m *Mock) StopServer(ctx context.Context, connID, username, authSecret string) {
	m.Log.DLogf("[%s] (mock) stop-server no-op", connID)
}
