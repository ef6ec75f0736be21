package splice

import "sync"

// fakePeer is a minimal in-memory RawPeer used to exercise Engine
// against the literal scenarios without any real SSH transport.
type fakePeer struct {
	mu       sync.Mutex
	handlers map[byte]Handler
	bypass   Handler
	sendSeq  uint32

	extInfoSuppressed bool
	sent              []sentPacket
}

type sentPacket struct {
	msgType byte
	payload []byte
}

func newFakePeer() *fakePeer {
	return &fakePeer{handlers: make(map[byte]Handler)}
}

func (f *fakePeer) Handler(msgType byte) Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[msgType]
}

func (f *fakePeer) SetHandler(msgType byte, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = h
}

func (f *fakePeer) SetChannelBypass(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bypass = h
}

func (f *fakePeer) SendSeq() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendSeq
}

func (f *fakePeer) Send(msgType byte, payload []byte) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.sendSeq
	f.sendSeq++
	cp := append([]byte(nil), payload...)
	f.sent = append(f.sent, sentPacket{msgType: msgType, payload: cp})
	return seq, nil
}

func (f *fakePeer) SuppressExtInfo() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extInfoSuppressed = true
}

// deliver simulates the host library invoking the handler currently
// installed for msgType, as if a packet with recvSeq had arrived.
func (f *fakePeer) deliver(msgType byte, recvSeq uint32, payload []byte) error {
	var h Handler
	if isChannelScoped(msgType) {
		h = f.bypass
	} else {
		h = f.Handler(msgType)
	}
	if h == nil {
		return nil
	}
	return h(msgType, recvSeq, payload)
}

func (f *fakePeer) lastSent() (sentPacket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentPacket{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func (f *fakePeer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
