package session

import "errors"

// Error kinds from spec section 7. UpstreamUnavailable and
// ProvisioningFailed are defined in the directory package (they
// originate there) and are not duplicated here; errors returned by this
// package wrap them, so callers match them with errors.Is.
var (
	// ErrInvalidCredential is returned by password validation when the
	// directory service rejects the credential. The SSH transport layer
	// turns this into a normal auth failure; the client may retry.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrTransportError marks an unrecoverable error on either SSH
	// transport. The session moves to Closed; nothing is surfaced to the
	// peer beyond the transport closing.
	ErrTransportError = errors.New("ssh transport error")

	// ErrStopServerFailed is logged at error level only; it is never
	// surfaced to a client.
	ErrStopServerFailed = errors.New("stop-server failed")
)
