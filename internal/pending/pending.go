// Package pending implements the pending-message table of spec.md §4.D:
// bookkeeping for sent frames awaiting CONNACK/REGACK/SUBACK/PUBACK/
// PUBREC/PUBCOMP, with exponential-backoff retransmission and a bounded
// retry budget.
package pending

import "github.com/picosn/picosn-client/internal/clock"

// Kind identifies what kind of reply a pending entry is waiting for.
type Kind int

const (
	Connect Kind = iota
	Register
	Subscribe
	PublishQ1
	PublishQ2Rec
	PublishQ2Comp
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Register:
		return "register"
	case Subscribe:
		return "subscribe"
	case PublishQ1:
		return "publish_q1"
	case PublishQ2Rec:
		return "publish_q2_rec"
	case PublishQ2Comp:
		return "publish_q2_comp"
	default:
		return "unknown"
	}
}

// InitialRetryTimeoutMs and MaxRetries implement spec.md §3's pending
// message retry policy: start at 1000ms, double per retry, 4 retries then
// DeliveryFailed.
const (
	InitialRetryTimeoutMs = 1000
	MaxRetries            = 4
)

// Entry is one in-flight pending message.
type Entry struct {
	MsgID          uint16
	Kind           Kind
	SentAtMs       int64
	RetryTimeoutMs int64
	RetryCount     int
	FrameBytes     []byte
}

// Sender is the narrow capability the table needs to retransmit an expired
// entry; internal/transport.Transport satisfies it via a thin adapter.
type Sender interface {
	Send(frame []byte) error
}

// Failure reports a pending entry that exhausted its retry budget.
type Failure struct {
	MsgID uint16
	Kind  Kind
}

// LatencyStats summarizes round-trip times for resolved pending entries,
// grounded on the original firmware's mqtt_sn_reset_latency_stats.
type LatencyStats struct {
	Count  int64
	MinMs  int64
	MaxMs  int64
	SumMs  int64
	LastMs int64
}

// MeanMs returns the mean round-trip time in milliseconds, or 0 if no
// entry has ever resolved.
func (s LatencyStats) MeanMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.SumMs) / float64(s.Count)
}

// Table is a fixed-capacity pending-message table. Not safe for concurrent
// use, the MQTT-SN client accesses it only from the main loop.
type Table struct {
	capacity int
	entries  map[uint16]*Entry
	clock    clock.Clock
	sender   Sender
	latency  LatencyStats
}

// DefaultCapacity bounds simultaneously in-flight pending entries. The
// spec leaves the exact number open; 32 comfortably covers a QoS-1 chunk
// burst plus one CONNECT/REGISTER/SUBSCRIBE in flight.
const DefaultCapacity = 32

// New creates a pending-message table.
func New(c clock.Clock, sender Sender) *Table {
	return &Table{
		capacity: DefaultCapacity,
		entries:  make(map[uint16]*Entry, DefaultCapacity),
		clock:    c,
		sender:   sender,
	}
}

// ErrTableFull is returned by Register when the table is at capacity.
var ErrTableFull = tableFullError{}

type tableFullError struct{}

func (tableFullError) Error() string { return "pending: table is full" }

// Register adds a new pending entry. frameBytes is retained for
// retransmission on timeout.
func (t *Table) Register(msgID uint16, kind Kind, frameBytes []byte) error {
	if len(t.entries) >= t.capacity {
		return ErrTableFull
	}
	t.entries[msgID] = &Entry{
		MsgID:          msgID,
		Kind:           kind,
		SentAtMs:       t.clock.NowMillis(),
		RetryTimeoutMs: InitialRetryTimeoutMs,
		FrameBytes:     frameBytes,
	}
	return nil
}

// Resolve clears the pending entry for msgID iff it is currently waiting
// on kind (invariant I2: a PUBLISH_Q1 entry is cleared iff a matching
// PUBACK arrives). Returns true if an entry was cleared.
func (t *Table) Resolve(msgID uint16, kind Kind) bool {
	e, ok := t.entries[msgID]
	if !ok || e.Kind != kind {
		return false
	}
	if kind == PublishQ1 || kind == PublishQ2Comp {
		t.recordLatency(t.clock.NowMillis() - e.SentAtMs)
	}
	delete(t.entries, msgID)
	return true
}

func (t *Table) recordLatency(rttMs int64) {
	if rttMs < 0 {
		rttMs = 0
	}
	if t.latency.Count == 0 || rttMs < t.latency.MinMs {
		t.latency.MinMs = rttMs
	}
	if rttMs > t.latency.MaxMs {
		t.latency.MaxMs = rttMs
	}
	t.latency.SumMs += rttMs
	t.latency.Count++
	t.latency.LastMs = rttMs
}

// Stats returns a snapshot of round-trip latency statistics accumulated
// across every resolved entry since the table was created (or last reset).
func (t *Table) Stats() LatencyStats { return t.latency }

// ResetLatencyStats clears accumulated latency statistics.
func (t *Table) ResetLatencyStats() { t.latency = LatencyStats{} }

// Advance transitions a QoS-2 entry from fromKind to toKind in place
// (PUBLISH_Q2_REC -> PUBLISH_Q2_COMP on PUBREC receipt), replacing the
// cached frame with newFrame (the PUBREL to retransmit on further
// timeouts) and resetting the retry budget. Returns false if no matching
// entry exists. QoS-2 entries advance strictly in order (invariant I2).
func (t *Table) Advance(msgID uint16, fromKind, toKind Kind, newFrame []byte) bool {
	e, ok := t.entries[msgID]
	if !ok || e.Kind != fromKind {
		return false
	}
	e.Kind = toKind
	e.FrameBytes = newFrame
	e.SentAtMs = t.clock.NowMillis()
	e.RetryTimeoutMs = InitialRetryTimeoutMs
	e.RetryCount = 0
	return true
}

// Get returns the pending entry for msgID, if any.
func (t *Table) Get(msgID uint16) (Entry, bool) {
	e, ok := t.entries[msgID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len reports the number of entries currently pending.
func (t *Table) Len() int { return len(t.entries) }

// Clear empties the table without reporting failures. Used by
// disconnect(), which cancels all pending waits with NotConnected rather
// than DeliveryFailed (spec.md §5 Cancellation).
func (t *Table) Clear() {
	t.entries = make(map[uint16]*Entry, t.capacity)
}

// Tick retransmits every entry whose retry timeout has elapsed, doubling
// its timeout, and retires entries that have exhausted MaxRetries,
// reporting them as failures.
func (t *Table) Tick(nowMs int64) []Failure {
	var failures []Failure
	for msgID, e := range t.entries {
		if nowMs-e.SentAtMs < e.RetryTimeoutMs {
			continue
		}
		if e.RetryCount >= MaxRetries {
			delete(t.entries, msgID)
			failures = append(failures, Failure{MsgID: msgID, Kind: e.Kind})
			continue
		}
		_ = t.sender.Send(e.FrameBytes)
		e.RetryCount++
		e.SentAtMs = nowMs
		e.RetryTimeoutMs *= 2
	}
	return failures
}
