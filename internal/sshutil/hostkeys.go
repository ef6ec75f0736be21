// Package sshutil loads and watches the server's host keys (spec
// section 4.5).
package sshutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/jhproxy/internal/logger"
)

// hostKeyFilename matches exactly the three basenames spec section 4.5
// names; anything else in the directory (known_hosts, .pub files,
// moduli, etc.) is ignored.
var hostKeyFilename = regexp.MustCompile(`^ssh_host_(ecdsa|ed25519|rsa)_key$`)

// LoadHostKeys reads every file in dir whose basename matches
// hostKeyFilename and parses it as an SSH private key.
func LoadHostKeys(dir string) ([]ssh.Signer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading host key directory %q: %w", dir, err)
	}

	var keys []ssh.Signer
	for _, e := range entries {
		if e.IsDir() || !hostKeyFilename.MatchString(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading host key %q: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing host key %q: %w", path, err)
		}
		keys = append(keys, signer)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no host keys found in %q matching %s", dir, hostKeyFilename.String())
	}
	return keys, nil
}

// KeyWatcher reloads host keys from dir whenever a matching file in it
// changes, so an operator can rotate host keys without restarting the
// proxy. This supplements spec section 4.5, which only describes a
// one-time load at startup.
type KeyWatcher struct {
	Log logger.Logger
	dir string

	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current []ssh.Signer
}

// NewKeyWatcher performs the initial load and starts watching dir.
func NewKeyWatcher(log logger.Logger, dir string) (*KeyWatcher, error) {
	keys, err := LoadHostKeys(dir)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting host key watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching host key directory %q: %w", dir, err)
	}
	return &KeyWatcher{Log: log, dir: dir, watcher: w, current: keys}, nil
}

// Keys returns the most recently loaded set of host keys.
func (k *KeyWatcher) Keys() []ssh.Signer {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Run processes filesystem events until ctx is cancelled, reloading and
// replacing Keys() whenever a watched file changes. Load errors are
// logged and the previous key set is kept, since a key directory
// mid-rotation may transiently be incomplete.
func (k *KeyWatcher) Run(ctx context.Context) {
	defer k.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-k.watcher.Events:
			if !ok {
				return
			}
			if !hostKeyFilename.MatchString(filepath.Base(event.Name)) {
				continue
			}
			keys, err := LoadHostKeys(k.dir)
			if err != nil {
				k.Log.WLogf("reloading host keys after %s: %s", event, err)
				continue
			}
			k.Log.ILogf("reloaded host keys from %s", k.dir)
			k.mu.Lock()
			k.current = keys
			k.mu.Unlock()
		case err, ok := <-k.watcher.Errors:
			if !ok {
				return
			}
			k.Log.WLogf("host key watcher: %s", err)
		}
	}
}
