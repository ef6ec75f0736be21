package splice

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats aggregates bytes forwarded across every channel piped
// through a session's two spliced transports, for a summary log line
// when the session closes. One ConnStats is shared between both
// Adapters of a session so PipeChannel on either side contributes to
// the same totals.
type ConnStats struct {
	sent     int64
	received int64
}

// AddSent records n more bytes forwarded from a channel's local side
// toward its remote peer.
func (s *ConnStats) AddSent(n int64) {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.sent, n)
}

// AddReceived records n more bytes forwarded from a channel's remote
// peer toward its local side.
func (s *ConnStats) AddReceived(n int64) {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.received, n)
}

// Sent returns the running total of bytes added via AddSent.
func (s *ConnStats) Sent() int64 { return atomic.LoadInt64(&s.sent) }

// Received returns the running total of bytes added via AddReceived.
func (s *ConnStats) Received() int64 { return atomic.LoadInt64(&s.received) }

func (s *ConnStats) String() string {
	if s == nil {
		return "sent 0B received 0B"
	}
	return fmt.Sprintf("sent %s received %s", sizestr.ToIString(s.Sent()), sizestr.ToIString(s.Received()))
}
