package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/jhproxy/internal/backend"
	"github.com/sammck-go/jhproxy/internal/directory"
	"github.com/sammck-go/jhproxy/internal/frontend"
	"github.com/sammck-go/jhproxy/internal/logger"
	"github.com/sammck-go/jhproxy/internal/sshutil"
)

var help = `
  Usage: jhproxy [options] <hub_url>

  <hub_url> is the base URL of the JupyterHub instance whose API this
  proxy uses to validate credentials, locate, and provision per-user
  back-end servers.

  Options:

    -p, Listening port for inbound SSH connections (default 22).

    -k, Directory containing the proxy's own host keys:
    ssh_host_rsa_key, ssh_host_ecdsa_key, ssh_host_ed25519_key
    (default /etc/ssh). The directory is watched and host keys are
    reloaded on change.

    -mock, Run against an in-memory directory service instead of a real
    JupyterHub, forwarding every session to <hub_url> treated as a
    host[:port] (default port 22). Intended for local development.

    -v, Enable verbose (debug) logging.

  Read more:
    https://github.com/sammck-go/jhproxy

`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Printf("signal received; shutting down")
	case <-ctx.Done():
	}
	signal.Stop(sig)
	cancel()
}

func main() {
	port := flag.Int("p", 22, "")
	keyDir := flag.String("k", "/etc/ssh", "")
	mock := flag.Bool("mock", false, "")
	verbose := flag.Bool("v", false, "")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	hubURL := args[0]

	level := logger.LogLevelInfo
	if *verbose {
		level = logger.LogLevelDebug
	}
	lg := logger.New("jhproxy", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigIntHandler(ctx, cancel)

	var dir directory.Service
	if *mock {
		host, mockPort := splitMockTarget(hubURL)
		lg.ILogf("running in -mock mode, forwarding to %s:%d", host, mockPort)
		dir = directory.NewMock(lg.Fork("directory"), host, mockPort)
	} else {
		dir = directory.NewJupyterHub(lg.Fork("directory"), hubURL)
	}

	connector := backend.NewConnector(dir, lg.Fork("backend"))

	watcher, err := sshutil.NewKeyWatcher(lg.Fork("hostkeys"), *keyDir)
	if err != nil {
		lg.ELogf("loading host keys: %s", err)
		os.Exit(1)
	}
	go watcher.Run(ctx)

	srv := frontend.New(lg.Fork("frontend"), dir, connector, watcher)

	addr := fmt.Sprintf("0.0.0.0:%d", *port)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		lg.ELogf("exiting: %s", err)
		os.Exit(1)
	}
	lg.ILogf("exiting")
}

// splitMockTarget parses a "host" or "host:port" -mock target, defaulting
// the port to 22 when omitted.
func splitMockTarget(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 22
	}
	port := 22
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
