package splice

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/sammck-go/jhproxy/internal/logger"
)

func newTestEngine() (*Engine, *fakePeer, *fakePeer) {
	client := newFakePeer()
	server := newFakePeer()
	e := NewEngine(logger.New("test", logger.LogLevelError), client, server)
	e.Splice()
	return e, client, server
}

func TestSpliceSuppressesExtInfo(t *testing.T) {
	_, client, server := newTestEngine()
	if !client.extInfoSuppressed || !server.extInfoSuppressed {
		t.Fatalf("expected both peers to have EXT_INFO suppressed")
	}
}

// TestForwardRoundTrip is the round-trip test from spec section 8, with a
// fixed payload: an MSG_IGNORE on A arrives byte-identical on B, and
// the A->B map gains exactly one entry.
func TestForwardRoundTrip(t *testing.T) {
	e, client, server := newTestEngine()
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	if err := client.deliver(MsgIgnore, 7, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	sent, ok := server.lastSent()
	if !ok {
		t.Fatalf("expected server to have received a forwarded packet")
	}
	if sent.msgType != MsgIgnore {
		t.Fatalf("msgType = %d, want %d", sent.msgType, MsgIgnore)
	}
	if !bytes.Equal(sent.payload, payload) {
		t.Fatalf("payload = %v, want %v", sent.payload, payload)
	}
	if got := e.c2s.Len(); got != 1 {
		t.Fatalf("c2s map len = %d, want 1", got)
	}
}

// TestServiceRequestUserauthTerminatesLocally covers invariant 3 and
// spec section 4.4: an ssh-userauth service request is answered
// directly rather than crossing the splice.
func TestServiceRequestUserauthTerminatesLocally(t *testing.T) {
	_, client, server := newTestEngine()
	payload := encodeString(serviceUserauth)

	if err := client.deliver(MsgServiceRequest, 1, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if server.sentCount() != 0 {
		t.Fatalf("ssh-userauth service request must not cross the splice")
	}
	sent, ok := client.lastSent()
	if !ok || sent.msgType != MsgServiceAccept {
		t.Fatalf("expected a local MSG_SERVICE_ACCEPT on client, got %+v, ok=%v", sent, ok)
	}
}

func TestServiceRequestOtherNameForwards(t *testing.T) {
	_, client, server := newTestEngine()
	payload := encodeString("some-other-service")

	if err := client.deliver(MsgServiceRequest, 1, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sent, ok := server.lastSent()
	if !ok || sent.msgType != MsgServiceRequest {
		t.Fatalf("expected the service request to be forwarded, got %+v, ok=%v", sent, ok)
	}
}

func TestUserauthBannerNeverCrosses(t *testing.T) {
	_, client, server := newTestEngine()
	err := server.deliver(MsgUserauthBanner, 3, []byte("welcome"))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if client.sentCount() != 0 || server.sentCount() != 0 {
		t.Fatalf("banner must not cross the splice, and the banner handler must not itself re-emit anything")
	}
}

// TestUnimplementedRoundTrip is scenario S4: A sends a global request,
// B replies MSG_UNIMPLEMENTED(N_B); the engine must translate back to
// A's original sequence number N_A and emit on A only.
func TestUnimplementedRoundTrip(t *testing.T) {
	_, client, server := newTestEngine()

	if err := client.deliver(MsgGlobalRequest, 42, []byte("unknown-request")); err != nil {
		t.Fatalf("deliver global request: %v", err)
	}
	fwd, ok := server.lastSent()
	if !ok || fwd.msgType != MsgGlobalRequest {
		t.Fatalf("expected global request forwarded to server")
	}
	nB := server.SendSeq() - 1 // the sequence server.Send assigned to the forwarded request

	unimplPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(unimplPayload, nB)
	if err := server.deliver(MsgUnimplemented, 99, unimplPayload); err != nil {
		t.Fatalf("deliver unimplemented: %v", err)
	}

	if client.sentCount() != 1 {
		t.Fatalf("expected exactly one MSG_UNIMPLEMENTED emitted on client, got %d sends", client.sentCount())
	}
	sent, _ := client.lastSent()
	if sent.msgType != MsgUnimplemented {
		t.Fatalf("msgType = %d, want MsgUnimplemented", sent.msgType)
	}
	gotSeq := binary.BigEndian.Uint32(sent.payload)
	if gotSeq != 42 {
		t.Fatalf("translated seq = %d, want 42 (A's original send sequence)", gotSeq)
	}
	// Must not also emit back on B's own side.
	if server.sentCount() != 1 {
		t.Fatalf("server should only have the one original forwarded send, got %d", server.sentCount())
	}
}

func TestUnimplementedUnknownSeqDropped(t *testing.T) {
	_, _, server := newTestEngine()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 9999)
	if err := server.deliver(MsgUnimplemented, 1, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if server.sentCount() != 0 {
		t.Fatalf("unmatched MSG_UNIMPLEMENTED must be dropped, not forwarded")
	}
}

// TestDisconnectPropagation is scenario S5: MSG_DISCONNECT forwards to
// the peer and also tears down the local side via errDisconnected.
func TestDisconnectPropagation(t *testing.T) {
	_, client, server := newTestEngine()
	payload := []byte{0, 0, 0, 11} // reason code 11

	err := client.deliver(MsgDisconnect, 5, payload)
	if !IsDisconnect(err) {
		t.Fatalf("expected errDisconnected sentinel, got %v", err)
	}

	sent, ok := server.lastSent()
	if !ok || sent.msgType != MsgDisconnect {
		t.Fatalf("expected MSG_DISCONNECT forwarded to server")
	}
	if !bytes.Equal(sent.payload, payload) {
		t.Fatalf("disconnect payload mismatch: %v vs %v", sent.payload, payload)
	}
}

// TestChannelOpenForwardsVerbatim mirrors S1's literal channel-open
// step when the concrete peer has no channelBridger capability (as is
// the case for fakePeer): the raw MSG_CHANNEL_OPEN payload still
// forwards byte-identical, and the reply direction works the same way.
func TestChannelOpenForwardsVerbatim(t *testing.T) {
	_, client, server := newTestEngine()
	openPayload := encodeChannelOpen("session", 0, nil)

	if err := client.deliver(MsgChannelOpen, 1, openPayload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sent, ok := server.lastSent()
	if !ok || sent.msgType != MsgChannelOpen || !bytes.Equal(sent.payload, openPayload) {
		t.Fatalf("channel open did not forward verbatim")
	}

	confirmPayload := []byte{0, 0, 0, 1, 0, 0, 0, 0}
	if err := server.deliver(MsgChannelOpenConfirmation, 2, confirmPayload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sent, ok = client.lastSent()
	if !ok || sent.msgType != MsgChannelOpenConfirmation || !bytes.Equal(sent.payload, confirmPayload) {
		t.Fatalf("channel open confirmation did not forward verbatim")
	}
}

// TestChannelScopedBypass covers channel-data forwarding after the S1
// channel open: a channel-scoped message arriving on one side is
// re-emitted verbatim on the other, bypassing the type-keyed handler
// table entirely.
func TestChannelScopedBypass(t *testing.T) {
	_, client, server := newTestEngine()
	payload := []byte("channel-data-bytes")

	if err := client.deliver(94 /* data */, 3, payload); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sent, ok := server.lastSent()
	if !ok || sent.msgType != 94 {
		t.Fatalf("expected channel data forwarded verbatim")
	}
	if !bytes.Equal(sent.payload, payload) {
		t.Fatalf("payload mismatch")
	}
}
