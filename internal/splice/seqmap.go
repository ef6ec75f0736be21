package splice

// SeqMap is the bounded sequence-number translation table from spec
// section 3: a FIFO cache mapping this side's outbound send sequence at
// the moment of re-emission to the peer side's original receive
// sequence of the packet being forwarded. One exists per direction
// (C2S and S2C), and each is strictly session-local.
//
// It is bounded at maxSeqMapEntries; inserting past capacity evicts the
// oldest entry, since SSH_MSG_UNIMPLEMENTED is only ever a meaningful
// reply to a packet in the very recent past (spec section 4.4).
type SeqMap struct {
	entries map[uint32]uint32
	order   []uint32
}

// maxSeqMapEntries is the fixed capacity from spec section 3.
const maxSeqMapEntries = 100

// NewSeqMap creates an empty, ready-to-use sequence-number map.
func NewSeqMap() *SeqMap {
	return &SeqMap{entries: make(map[uint32]uint32, maxSeqMapEntries)}
}

// Insert records key -> value, evicting the oldest entry first if the
// map is already at capacity.
func (m *SeqMap) Insert(key, value uint32) {
	if _, exists := m.entries[key]; !exists && len(m.entries) >= maxSeqMapEntries {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = value
}

// Lookup returns the value for key and whether it was present.
func (m *SeqMap) Lookup(key uint32) (uint32, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Len reports the current number of entries.
func (m *SeqMap) Len() int {
	return len(m.entries)
}
