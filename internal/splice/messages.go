// Package splice implements the connection-splicing engine: the core of
// the proxy (spec section 4.4). After both SSH handshakes have
// independently completed, it forwards a defined set of post-auth SSH
// message types between the two transports, translating sequence
// numbers so SSH_MSG_UNIMPLEMENTED replies round-trip correctly, and
// locally terminates messages that belong to a single transport.
package splice

// SSH message type numbers, RFC 4253 / RFC 4254. These are reified here
// (rather than imported from a library) because no SSH library in this
// module's dependency set exposes per-message dispatch at this
// granularity; see cryptossh.go and DESIGN.md for how the concrete
// golang.org/x/crypto/ssh adapter approximates them.
const (
	MsgDisconnect              byte = 1
	MsgIgnore                  byte = 2
	MsgUnimplemented           byte = 3
	MsgDebug                   byte = 4
	MsgServiceRequest          byte = 5
	MsgServiceAccept           byte = 6
	MsgExtInfo                 byte = 7
	MsgUserauthBanner          byte = 53
	MsgGlobalRequest           byte = 80
	MsgRequestSuccess          byte = 81
	MsgRequestFailure          byte = 82
	MsgChannelOpen             byte = 90
	MsgChannelOpenConfirmation byte = 91
	MsgChannelOpenFailure      byte = 92
	msgChannelWindowAdjust     byte = 93
	msgChannelData             byte = 94
	msgChannelExtendedData     byte = 95
	msgChannelEOF              byte = 96
	msgChannelClose            byte = 97
	msgChannelRequest          byte = 98
	msgChannelSuccess          byte = 99
	msgChannelFailure          byte = 100
)

// serviceUserauth is the only service name that stays local to a
// transport rather than being forwarded (spec section 4.4).
const serviceUserauth = "ssh-userauth"

// ForwardedTypes is the set of message types re-emitted on the opposite
// transport after splice, per spec section 4.4. Channel-scoped types
// (93-100) are handled by the channel-dispatch bypass rather than listed
// individually in a handler table, but are included here for
// completeness of the forwarding contract.
var ForwardedTypes = []byte{
	MsgIgnore,
	MsgUnimplemented,
	MsgDebug,
	MsgServiceAccept,
	MsgGlobalRequest,
	MsgRequestSuccess,
	MsgRequestFailure,
	MsgChannelOpen,
	MsgChannelOpenConfirmation,
	MsgChannelOpenFailure,
	msgChannelWindowAdjust,
	msgChannelData,
	msgChannelExtendedData,
	msgChannelEOF,
	msgChannelClose,
	msgChannelRequest,
	msgChannelSuccess,
	msgChannelFailure,
}

func isChannelScoped(msgType byte) bool {
	return msgType >= msgChannelWindowAdjust && msgType <= msgChannelFailure
}
