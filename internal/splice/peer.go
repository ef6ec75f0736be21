package splice

// Handler processes one inbound packet: msgType is the SSH message type,
// recvSeq is this transport's receive-sequence for the packet, and
// payload is the packet body without its leading type byte.
type Handler func(msgType byte, recvSeq uint32, payload []byte) error

// RawPeer reifies the hooks spec section 6 requires from the SSH
// transport library: read/write access to a per-message dispatch table,
// the current outbound send-sequence counter, a raw packet-emit
// primitive, an EXT_INFO suppression hook, and a channel-dispatch
// bypass. See cryptossh.go for the golang.org/x/crypto/ssh-backed
// implementation and DESIGN.md for where that adapter approximates
// these hooks rather than implementing them literally.
type RawPeer interface {
	// Handler returns the table's current handler for msgType, or nil.
	Handler(msgType byte) Handler
	// SetHandler installs h as the table's handler for msgType.
	SetHandler(msgType byte, h Handler)
	// SetChannelBypass installs the handler used for every channel-scoped
	// message type (93-100), bypassing the library's own per-channel
	// bookkeeping.
	SetChannelBypass(h Handler)

	// SendSeq returns the sequence number the next call to Send will use.
	SendSeq() uint32
	// Send emits a raw packet and returns the send-sequence it was
	// assigned. payload excludes the leading message-type byte.
	Send(msgType byte, payload []byte) (seq uint32, err error)

	// SuppressExtInfo disables the transport's own outbound EXT_INFO
	// emission, since both peers already negotiated extensions with the
	// proxy independently before splice.
	SuppressExtInfo()
}
