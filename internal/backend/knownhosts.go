package backend

import (
	"fmt"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsCallback builds a HostKeyCallback backed by an OpenSSH
// known_hosts-format file. Back-end host-key verification is pluggable
// and off by default (spec section 9); this is the "on" path, used when
// the directory service returns a known_hosts path for a user's
// back-end.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("reading known hosts %q: %w", path, err)
	}
	return cb, nil
}
