package splice

import "errors"

// errDisconnected is returned by the disconnect handler to signal the
// dispatch loop that the session ended cleanly via MSG_DISCONNECT,
// distinguishing it from a transport-level failure.
var errDisconnected = errors.New("splice: peer sent MSG_DISCONNECT")

// IsDisconnect reports whether err is the sentinel a RawPeer's dispatch
// loop should treat as a clean, spliced-initiated shutdown rather than a
// transport error.
func IsDisconnect(err error) bool {
	return errors.Is(err, errDisconnected)
}
