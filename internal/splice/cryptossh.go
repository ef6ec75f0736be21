package splice

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/sizestr"

	"github.com/sammck-go/jhproxy/internal/logger"
)

// Adapter implements RawPeer over golang.org/x/crypto/ssh's public API.
//
// This is a best-effort approximation, not a literal implementation of
// the five RawPeer hooks. x/crypto/ssh does not expose a per-message
// dispatch table, raw wire sequence numbers, or a hook for transport
// messages at all: its ssh.Conn surfaces only post-auth global requests
// (<-chan *ssh.Request) and channel opens (<-chan ssh.NewChannel). The
// library's own transport loop consumes SSH_MSG_DISCONNECT,
// SSH_MSG_IGNORE, SSH_MSG_DEBUG, SSH_MSG_UNIMPLEMENTED,
// SSH_MSG_EXT_INFO, SSH_MSG_SERVICE_REQUEST/ACCEPT and
// SSH_MSG_USERAUTH_BANNER internally and never hands them to the
// application. See DESIGN.md for the full list of handlers Engine
// installs that this adapter can never invoke as a result.
//
// What IS achievable through the public API, and what this adapter
// does: channel opens and channel requests are re-encoded into the raw
// RFC 4254 payload shapes Engine's handler table expects. Channel
// requests go through Engine's forward and so get a sequence-map entry;
// channel opens go through bridgeChannelOpen, which records none. Channel
// data is piped directly with io.Copy between matched ssh.Channel pairs,
// since per-byte sequence translation has no SSH_MSG_UNIMPLEMENTED
// implication for raw data.
type Adapter struct {
	Log   logger.Logger
	Conn  ssh.Conn
	Stats *ConnStats

	mu       sync.Mutex
	handlers map[byte]Handler
	bypass   Handler
	sendSeq  uint32

	extInfoSuppressed bool

	channels   map[uint32]ssh.Channel
	nextLocal  uint32
	channelsMu sync.Mutex
}

// NewAdapter wraps an established ssh.Conn. stats may be nil (bytes
// simply won't be tallied) or shared with the peer Adapter on the other
// side of the splice, so both sides' channel traffic accumulates into
// one session-wide total.
func NewAdapter(log logger.Logger, conn ssh.Conn, stats *ConnStats) *Adapter {
	return &Adapter{
		Log:      log,
		Conn:     conn,
		Stats:    stats,
		handlers: make(map[byte]Handler),
		channels: make(map[uint32]ssh.Channel),
	}
}

func (a *Adapter) Handler(msgType byte) Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handlers[msgType]
}

func (a *Adapter) SetHandler(msgType byte, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[msgType] = h
}

func (a *Adapter) SetChannelBypass(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bypass = h
}

func (a *Adapter) SendSeq() uint32 {
	return atomic.LoadUint32(&a.sendSeq)
}

func (a *Adapter) SuppressExtInfo() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extInfoSuppressed = true
}

// Send dispatches a raw message by type to the nearest equivalent public
// x/crypto/ssh call. Only the message types this adapter can actually
// originate are handled; anything else is an internal wiring mistake in
// Engine and returns an error rather than silently dropping.
func (a *Adapter) Send(msgType byte, payload []byte) (uint32, error) {
	seq := atomic.AddUint32(&a.sendSeq, 1) - 1

	var err error
	switch msgType {
	case MsgGlobalRequest:
		err = a.sendGlobalRequest(payload)
	case msgChannelRequest:
		err = a.sendChannelRequest(payload)
	case msgChannelClose, msgChannelEOF:
		err = a.sendChannelHalfClose(msgType, payload)
	case MsgChannelOpen, MsgChannelOpenConfirmation, MsgChannelOpenFailure:
		// Channel establishment goes through bridgeChannelOpen (engine.go
		// special-cases MsgChannelOpen via the channelBridger interface)
		// rather than through Send, since it needs to hand back a live
		// ssh.Channel to the data-piping goroutine. Reaching here means a
		// handler tried to re-forward one of these verbatim, which this
		// adapter does not support standalone.
		err = fmt.Errorf("splice: cryptossh adapter cannot Send msgType %d directly", msgType)
	default:
		err = fmt.Errorf("splice: cryptossh adapter has no transport-level hook for msgType %d", msgType)
	}
	return seq, err
}

// Run drives the adapter's event loop and returns once Conn.Wait
// returns: errDisconnected when the connection ended cleanly (nil or
// io.EOF), since this adapter never sees a raw MSG_DISCONNECT itself,
// and Wait's own error otherwise. Errors returned by handlers are
// logged, not returned.
func (a *Adapter) Run(newChans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) error {
	errCh := make(chan error, 1)

	go a.runGlobalRequests(reqs)
	go a.runNewChannels(newChans)
	go func() {
		err := a.Conn.Wait()
		if err == nil || err == io.EOF {
			errCh <- errDisconnected
		} else {
			errCh <- err
		}
	}()

	return <-errCh
}

func (a *Adapter) runGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		payload := encodeGlobalRequest(req.Type, req.WantReply, req.Payload)
		h := a.Handler(MsgGlobalRequest)
		if h == nil {
			req.Reply(false, nil)
			continue
		}
		if err := h(MsgGlobalRequest, 0, payload); err != nil {
			a.Log.WLogf("global request %q: %s", req.Type, err)
		}
	}
}

func (a *Adapter) sendGlobalRequest(payload []byte) error {
	name, wantReply, data, err := decodeGlobalRequest(payload)
	if err != nil {
		return err
	}
	_, _, err = a.Conn.SendRequest(name, wantReply, data)
	return err
}

func (a *Adapter) runNewChannels(newChans <-chan ssh.NewChannel) {
	for nc := range newChans {
		a.handleIncomingChannelOpen(nc)
	}
}

// handleIncomingChannelOpen accepts the channel immediately so this
// side's window/flow-control bookkeeping proceeds normally, then hands
// a re-encoded MSG_CHANNEL_OPEN to whatever handler Engine installed
// (normally forwardHandler, which re-opens the equivalent channel on
// the other transport via openRemoteChannel below and pipes data).
func (a *Adapter) handleIncomingChannelOpen(nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		a.Log.WLogf("accepting channel %q: %s", nc.ChannelType(), err)
		return
	}
	id := a.registerChannel(ch)
	go ssh.DiscardRequests(reqs) // channel requests piped separately, see openRemoteChannel

	payload := encodeChannelOpen(nc.ChannelType(), id, nc.ExtraData())
	h := a.Handler(MsgChannelOpen)
	if h == nil {
		ch.Close()
		return
	}
	if err := h(MsgChannelOpen, 0, payload); err != nil {
		a.Log.WLogf("forwarding channel open: %s", err)
		ch.Close()
	}
}

// openRemoteChannel is called on the destination adapter by
// bridgeChannelOpen. It mirrors the open on this transport and starts
// piping data both ways once confirmed.
func (a *Adapter) openRemoteChannel(chanType string, extra []byte) (uint32, error) {
	ch, reqs, err := a.Conn.OpenChannel(chanType, extra)
	if err != nil {
		return 0, err
	}
	id := a.registerChannel(ch)
	go a.pipeChannelRequests(id, reqs)
	return id, nil
}

// bridgeChannelOpen implements channelBridger: it mirrors a channel
// opened on `from` onto this adapter's transport, then starts piping
// data between the two concrete ssh.Channel values. It requires from to
// also be an *Adapter, since pairing two independently-numbered local
// channel-id spaces needs direct access to from's channel table; the
// symmetric RawPeer contract alone cannot express that link.
func (a *Adapter) bridgeChannelOpen(from RawPeer, recvSeq uint32, payload []byte) error {
	chanType, senderID, extra, err := decodeChannelOpen(payload)
	if err != nil {
		return err
	}

	fromAdapter, ok := from.(*Adapter)
	if !ok {
		return fmt.Errorf("splice: channel bridging requires both peers to be *Adapter")
	}
	srcChan, ok := fromAdapter.channelByID(senderID)
	if !ok {
		return fmt.Errorf("splice: source channel %d not found for open of %q", senderID, chanType)
	}

	localID, err := a.openRemoteChannel(chanType, extra)
	if err != nil {
		a.Log.WLogf("opening %q channel on peer: %s", chanType, err)
		srcChan.Close()
		return nil
	}

	go a.PipeChannel(localID, srcChan)
	return nil
}

// decodeChannelOpen reverses encodeChannelOpen, recovering the channel
// type, the sender's own local channel id, and the type-specific extra
// data. Window size and max packet size are intentionally not
// round-tripped; both sides' flow control is governed independently by
// their own x/crypto/ssh connection.
func decodeChannelOpen(payload []byte) (chanType string, senderID uint32, extra []byte, err error) {
	chanType, rest, err := readString(payload)
	if err != nil {
		return "", 0, nil, err
	}
	if len(rest) < 12 {
		return "", 0, nil, fmt.Errorf("splice: short channel open payload")
	}
	senderID = binary.BigEndian.Uint32(rest)
	return chanType, senderID, rest[12:], nil
}

func (a *Adapter) registerChannel(ch ssh.Channel) uint32 {
	a.channelsMu.Lock()
	defer a.channelsMu.Unlock()
	id := a.nextLocal
	a.nextLocal++
	a.channels[id] = ch
	return id
}

func (a *Adapter) channelByID(id uint32) (ssh.Channel, bool) {
	a.channelsMu.Lock()
	defer a.channelsMu.Unlock()
	ch, ok := a.channels[id]
	return ch, ok
}

// PipeChannel copies data in both directions between the channel this
// adapter opened locally (id) and the one its peer opened on the other
// transport, with one io.Copy per direction.
func (a *Adapter) PipeChannel(id uint32, remote io.ReadWriteCloser) {
	local, ok := a.channelByID(id)
	if !ok {
		return
	}
	var sent, received int64
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(remote, local)
		atomic.AddInt64(&sent, n)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(local, remote)
		atomic.AddInt64(&received, n)
		done <- struct{}{}
	}()
	<-done
	<-done
	local.Close()
	remote.Close()
	a.Stats.AddSent(atomic.LoadInt64(&sent))
	a.Stats.AddReceived(atomic.LoadInt64(&received))
	a.Log.DLogf("channel %d closed, sent %s received %s", id, sizestr.ToIString(sent), sizestr.ToIString(received))
}

func (a *Adapter) pipeChannelRequests(id uint32, reqs <-chan *ssh.Request) {
	for req := range reqs {
		payload := encodeChannelRequest(id, req.Type, req.WantReply, req.Payload)
		h := a.Handler(msgChannelRequest)
		if a.bypassFor(msgChannelRequest) != nil {
			h = a.bypassFor(msgChannelRequest)
		}
		if h == nil {
			req.Reply(false, nil)
			continue
		}
		if err := h(msgChannelRequest, 0, payload); err != nil {
			a.Log.WLogf("channel %d request %q: %s", id, req.Type, err)
		}
	}
}

func (a *Adapter) bypassFor(msgType byte) Handler {
	if !isChannelScoped(msgType) {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bypass
}

func (a *Adapter) sendChannelRequest(payload []byte) error {
	id, reqType, wantReply, data, err := decodeChannelRequest(payload)
	if err != nil {
		return err
	}
	ch, ok := a.channelByID(id)
	if !ok {
		return fmt.Errorf("splice: no local channel %d for request %q", id, reqType)
	}
	_, err = ch.SendRequest(reqType, wantReply, data)
	return err
}

func (a *Adapter) sendChannelHalfClose(msgType byte, payload []byte) error {
	id, err := decodeChannelID(payload)
	if err != nil {
		return err
	}
	ch, ok := a.channelByID(id)
	if !ok {
		return nil
	}
	if msgType == msgChannelEOF {
		return ch.CloseWrite()
	}
	return ch.Close()
}

// --- RFC 4254 wire-shape encode/decode helpers ---
//
// These exist only so channel and global-request traffic can flow
// through Engine's byte-payload Handler contract uniformly with the
// rest of the splice; they are not a general SSH codec.

func encodeString(s string) []byte {
	buf := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func encodeGlobalRequest(name string, wantReply bool, data []byte) []byte {
	out := encodeString(name)
	if wantReply {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, data...)
}

func decodeGlobalRequest(payload []byte) (name string, wantReply bool, data []byte, err error) {
	n, rest, err := readString(payload)
	if err != nil {
		return "", false, nil, err
	}
	if len(rest) < 1 {
		return "", false, nil, fmt.Errorf("splice: short global request payload")
	}
	return n, rest[0] != 0, rest[1:], nil
}

func encodeChannelOpen(chanType string, localID uint32, extra []byte) []byte {
	out := encodeString(chanType)
	out = appendUint32(out, localID)
	out = appendUint32(out, 0) // window size: not tracked across the splice, left to x/crypto/ssh's own flow control
	out = appendUint32(out, 0) // max packet size: same
	return append(out, extra...)
}

func encodeChannelRequest(id uint32, reqType string, wantReply bool, data []byte) []byte {
	out := appendUint32(nil, id)
	out = append(out, encodeString(reqType)...)
	if wantReply {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return append(out, data...)
}

func decodeChannelRequest(payload []byte) (id uint32, reqType string, wantReply bool, data []byte, err error) {
	if len(payload) < 4 {
		return 0, "", false, nil, fmt.Errorf("splice: short channel request payload")
	}
	id = binary.BigEndian.Uint32(payload)
	name, rest, err := readString(payload[4:])
	if err != nil {
		return 0, "", false, nil, err
	}
	if len(rest) < 1 {
		return 0, "", false, nil, fmt.Errorf("splice: short channel request payload")
	}
	return id, name, rest[0] != 0, rest[1:], nil
}

func decodeChannelID(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("splice: short channel-scoped payload")
	}
	return binary.BigEndian.Uint32(payload), nil
}

func appendUint32(b []byte, v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return append(b, buf...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("splice: short length-prefixed string")
	}
	n := binary.BigEndian.Uint32(b)
	if uint32(len(b)) < 4+n {
		return "", nil, fmt.Errorf("splice: truncated length-prefixed string")
	}
	return string(b[4 : 4+n]), b[4+n:], nil
}
