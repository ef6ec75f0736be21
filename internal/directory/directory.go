// Package directory defines the directory-service capability consumed by
// the proxy (spec section 4.1): validating credentials, locating the
// per-user back-end, and starting/stopping it. It is shared across all
// sessions and must be safe for concurrent use.
package directory

import (
	"context"
	"errors"
)

// ErrUpstreamUnavailable indicates the directory service could not be
// reached at all (network error, non-2xx on a call with no defined
// failure semantics). The session's password callback returns it as a
// failed authentication attempt; no SSH_MSG_DISCONNECT with reason
// "application" is sent to the client.
var ErrUpstreamUnavailable = errors.New("directory service unavailable")

// ErrProvisioningFailed indicates the back-end did not become ready
// within the retry schedule, or returned a definitive failure status.
var ErrProvisioningFailed = errors.New("failed to start container")

// ForwardingArgs describes how to reach and authenticate to a user's
// back-end server, as returned by get_forwarding_args (spec section 4.1).
type ForwardingArgs struct {
	Host     string
	Port     int
	Username string
	Password string

	// KnownHostsPath, if non-empty, names a known_hosts file the back-end
	// connector should verify the back-end's host key against (spec
	// section 9: host-key verification is pluggable, off by default).
	KnownHostsPath string
}

// Service is the directory-service capability consumed by the proxy.
// All four operations take the owning session's connection id (for log
// correlation), username and opaque auth secret.
type Service interface {
	// ValidateAuth reports whether the credential authenticates the user.
	// Returns ErrUpstreamUnavailable if the directory cannot be reached.
	ValidateAuth(ctx context.Context, connID, username, authSecret string) (bool, error)

	// GetForwardingArgs returns where and how to connect to the user's
	// back-end. Returns ErrUpstreamUnavailable on failure.
	GetForwardingArgs(ctx context.Context, connID, username, authSecret string) (ForwardingArgs, error)

	// StartServer idempotently ensures the back-end is running, retrying
	// a "pending" response with a doubling delay starting at retrySecs,
	// capped once the doubled delay would exceed 60s (spec section 4.1).
	// Returns ErrProvisioningFailed on a definitive failure or timeout.
	StartServer(ctx context.Context, connID, username, authSecret string, retrySecs int) error

	// StopServer is best-effort: implementations log and swallow errors.
	StopServer(ctx context.Context, connID, username, authSecret string)
}
