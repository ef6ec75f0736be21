package splice

import (
	"encoding/binary"
	"fmt"

	"github.com/sammck-go/jhproxy/internal/logger"
)

// direction carries the pieces Engine needs to wire one half of the
// splice: the table being patched, the peer packets get forwarded to,
// and the map recording that forwarding so a later MSG_UNIMPLEMENTED
// can be translated back.
type direction struct {
	name string // "client->server" or "server->client", for logging only
	from RawPeer
	to   RawPeer
	// fwdMap records, for every packet forwarded from->to, the send
	// sequence it was assigned on to, mapped back to its receive
	// sequence on from.
	fwdMap *SeqMap
	// peerMap is the OTHER direction's fwdMap; an inbound
	// MSG_UNIMPLEMENTED on `from` is resolved against it, since it is
	// populated with from's own send sequences.
	peerMap *SeqMap
}

// Engine implements the forwarding, interception, and sequence-number
// translation rules of spec section 4.4, entirely in terms of RawPeer.
// It has no dependency on any concrete SSH library, so every rule can be
// exercised with a fake RawPeer in tests.
type Engine struct {
	Log logger.Logger

	client RawPeer
	server RawPeer

	c2s *SeqMap
	s2c *SeqMap
}

// NewEngine wires a client-facing and server-facing RawPeer together.
// client is the transport toward the already-authenticated downstream
// user; server is the transport toward the already-authenticated
// back-end.
func NewEngine(log logger.Logger, client, server RawPeer) *Engine {
	return &Engine{
		Log:    log,
		client: client,
		server: server,
		c2s:    NewSeqMap(),
		s2c:    NewSeqMap(),
	}
}

// Splice installs the forwarding and interception handlers on both
// peers. It is safe to call exactly once per Engine.
func (e *Engine) Splice() {
	e.client.SuppressExtInfo()
	e.server.SuppressExtInfo()

	e.wireDirection(direction{
		name: "client->server", from: e.client, to: e.server,
		fwdMap: e.c2s, peerMap: e.s2c,
	})
	e.wireDirection(direction{
		name: "server->client", from: e.server, to: e.client,
		fwdMap: e.s2c, peerMap: e.c2s,
	})

	e.client.SetChannelBypass(e.forwardHandler(e.client, e.server, e.c2s))
	e.server.SetChannelBypass(e.forwardHandler(e.server, e.client, e.s2c))
}

func (e *Engine) wireDirection(d direction) {
	fwd := e.forwardHandler(d.from, d.to, d.fwdMap)
	for _, t := range ForwardedTypes {
		if isChannelScoped(t) {
			continue // installed once via SetChannelBypass
		}
		d.from.SetHandler(t, fwd)
	}

	d.from.SetHandler(MsgUnimplemented, e.unimplementedHandler(d))
	d.from.SetHandler(MsgDisconnect, e.disconnectHandler(d))
	d.from.SetHandler(MsgServiceRequest, e.serviceRequestHandler(d))
	d.from.SetHandler(MsgUserauthBanner, e.bannerHandler(d))
}

// forward re-emits a packet received on `from` onto `to`, recording the
// translation entry per spec section 3's testable invariant 1: key is
// to's send sequence at the moment of emission, value is the receive
// sequence the packet arrived with on from.
func (e *Engine) forward(to RawPeer, fwdMap *SeqMap, msgType byte, recvSeq uint32, payload []byte) error {
	seq := to.SendSeq()
	fwdMap.Insert(seq, recvSeq)
	_, err := to.Send(msgType, payload)
	return err
}

// channelBridger is an optional capability a concrete RawPeer may
// implement to genuinely establish a new channel and start piping its
// data, rather than merely re-emitting a raw MSG_CHANNEL_OPEN byte
// payload with no way to link the resulting data path back to a live
// channel. Adapter implements it; test fakes generally do not need to,
// since they assert on the forwarded bytes directly.
type channelBridger interface {
	bridgeChannelOpen(from RawPeer, recvSeq uint32, payload []byte) error
}

func (e *Engine) forwardHandler(from, to RawPeer, fwdMap *SeqMap) Handler {
	return func(msgType byte, recvSeq uint32, payload []byte) error {
		if msgType == MsgChannelOpen {
			if bridger, ok := to.(channelBridger); ok {
				return bridger.bridgeChannelOpen(from, recvSeq, payload)
			}
		}
		return e.forward(to, fwdMap, msgType, recvSeq, payload)
	}
}

// unimplementedHandler implements spec section 4.4's MSG_UNIMPLEMENTED
// translation: an inbound MSG_UNIMPLEMENTED(n) on `from` is a complaint
// about some packet from's own transport previously sent. If n was
// assigned to a packet this engine forwarded there from `to`, the
// complaint is re-expressed to `to` using the sequence number `to`
// originally sent it with. Otherwise the packet being complained about
// was never forwarded by this engine (e.g. pre-splice handshake
// traffic), so it is dropped rather than misrouted.
func (e *Engine) unimplementedHandler(d direction) Handler {
	return func(msgType byte, recvSeq uint32, payload []byte) error {
		if len(payload) < 4 {
			return fmt.Errorf("splice: short MSG_UNIMPLEMENTED payload (%d bytes)", len(payload))
		}
		n := binary.BigEndian.Uint32(payload)

		origSeq, ok := d.peerMap.Lookup(n)
		if !ok {
			e.Log.DLogf("%s: MSG_UNIMPLEMENTED(%d) does not match a forwarded packet, dropping", d.name, n)
			return nil
		}

		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, origSeq)
		return e.forward(d.to, d.fwdMap, msgType, recvSeq, out)
	}
}

// disconnectHandler implements the dual-delivery rule: MSG_DISCONNECT is
// both forwarded to the opposite transport (so its peer also learns the
// session ended) and reported locally, since spec section 4.4 requires
// the engine's own owner to observe session termination regardless of
// which side sent the disconnect.
func (e *Engine) disconnectHandler(d direction) Handler {
	return func(msgType byte, recvSeq uint32, payload []byte) error {
		if err := e.forward(d.to, d.fwdMap, msgType, recvSeq, payload); err != nil {
			e.Log.WLogf("%s: forwarding MSG_DISCONNECT: %s", d.name, err)
		}
		return errDisconnected
	}
}

// serviceRequestHandler terminates ssh-userauth service requests
// locally rather than forwarding them: both transports already
// completed their own independent user-auth before splice, so a request
// to re-enter that service is answered directly with MSG_SERVICE_ACCEPT
// instead of being relayed to the other side (spec section 4.4).
func (e *Engine) serviceRequestHandler(d direction) Handler {
	return func(msgType byte, recvSeq uint32, payload []byte) error {
		name := decodeServiceName(payload)
		if name != serviceUserauth {
			return e.forward(d.to, d.fwdMap, msgType, recvSeq, payload)
		}
		_, err := d.from.Send(MsgServiceAccept, payload)
		return err
	}
}

// bannerHandler terminates a SSH_MSG_USERAUTH_BANNER locally: it is
// scoped to the user-auth that already completed on `from`'s own
// transport, so forwarding it across the splice would misattribute it
// to the wrong authentication.
func (e *Engine) bannerHandler(d direction) Handler {
	_ = d
	return func(msgType byte, recvSeq uint32, payload []byte) error {
		return nil
	}
}

// decodeServiceName reads the SSH string at the start of an
// MSG_SERVICE_REQUEST/MSG_SERVICE_ACCEPT payload.
func decodeServiceName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)) < 4+n {
		return ""
	}
	return string(payload[4 : 4+n])
}
