package backend

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/jhproxy/internal/directory"
	"github.com/sammck-go/jhproxy/internal/logger"
)

func generateSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %s", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		t.Fatalf("wrapping signer: %s", err)
	}
	return signer
}

func startSSHServer(t *testing.T, user, pass string) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %s", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() != user || string(password) != pass {
				return nil, ssh.ErrNoAuth
			}
			return nil, nil
		},
	}
	config.AddHostKey(generateSigner(t))

	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sconn, newChans, reqs, err := ssh.NewServerConn(conn, config)
				if err != nil {
					conn.Close()
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)
				for nc := range newChans {
					nc.Reject(ssh.Prohibited, "no channels offered")
				}
			}()
		}
	}()
	go func() {
		<-done
		ln.Close()
	}()
	return ln.Addr().String(), func() { close(done) }
}

// fakeDirectory is a minimal directory.Service driven entirely by the
// forwarding args it is constructed with; StartServer always succeeds
// immediately.
type fakeDirectory struct {
	args directory.ForwardingArgs
}

func (f *fakeDirectory) ValidateAuth(ctx context.Context, connID, username, authSecret string) (bool, error) {
	return true, nil
}
func (f *fakeDirectory) GetForwardingArgs(ctx context.Context, connID, username, authSecret string) (directory.ForwardingArgs, error) {
	return f.args, nil
}
func (f *fakeDirectory) StartServer(ctx context.Context, connID, username, authSecret string, retrySecs int) error {
	return nil
}
func (f *fakeDirectory) StopServer(ctx context.Context, connID, username, authSecret string) {}

func TestConnectSucceeds(t *testing.T) {
	addr, stop := startSSHServer(t, "alice", "secret")
	defer stop()
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	dir := &fakeDirectory{args: directory.ForwardingArgs{Host: host, Port: port, Username: "alice", Password: "secret"}}
	connector := NewConnector(dir, logger.New("backend", logger.LogLevelError))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := connector.Connect(ctx, "c1", "alice", "secret")
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	defer b.Conn.Close()
	if b.Conn == nil || b.NewChans == nil || b.Requests == nil {
		t.Fatalf("Connect returned an incomplete Backend: %+v", b)
	}
}

func TestConnectWrapsAuthFailure(t *testing.T) {
	addr, stop := startSSHServer(t, "alice", "secret")
	defer stop()
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}

	dir := &fakeDirectory{args: directory.ForwardingArgs{Host: host, Port: port, Username: "alice", Password: "wrong"}}
	connector := NewConnector(dir, logger.New("backend", logger.LogLevelError))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := connector.Connect(ctx, "c1", "alice", "wrong")
	if err == nil {
		t.Fatalf("expected Connect to fail for a bad password")
	}
	if !errors.Is(err, directory.ErrProvisioningFailed) {
		t.Fatalf("error %v does not wrap ErrProvisioningFailed", err)
	}
}
