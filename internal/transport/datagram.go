package transport

import (
	"sync"
	"time"

	"github.com/alxayo/quicrq/internal/wire"
)

// DatagramKey correlates a sent datagram with its eventual ack/loss
// outcome. The quicrq orchestrator derives it from the fragment's
// (object_id, offset) before calling Connection.SendDatagram.
type DatagramKey struct {
	ObjectID uint64
	Offset   uint64
}

type pendingDatagram struct {
	sentTime  time.Time
	timer     *time.Timer
	lost      bool
	onOutcome func(outcome DatagramOutcome, sentTime time.Time)
}

// datagramTracker approximates picoquic's native per-datagram ack/lost/
// spurious-loss callbacks on top of quic-go, which exposes none: every sent
// datagram gets a probe timer; if the peer's ack-echo (encodeAckEcho /
// decodeAckEcho below)
// doesn't arrive before the timer fires, the datagram is reported probably
// lost; a late-arriving echo after that flips the outcome to spurious loss.
type datagramTracker struct {
	probeTimeout func() time.Duration
	now          func() time.Time

	mu      sync.Mutex
	pending map[DatagramKey]*pendingDatagram
	closed  bool
}

func newDatagramTracker(probeTimeout func() time.Duration, now func() time.Time) *datagramTracker {
	return &datagramTracker{
		probeTimeout: probeTimeout,
		now:          now,
		pending:      make(map[DatagramKey]*pendingDatagram),
	}
}

func (t *datagramTracker) track(key DatagramKey, sentTime time.Time, onOutcome func(outcome DatagramOutcome, sentTime time.Time)) {
	pd := &pendingDatagram{sentTime: sentTime, onOutcome: onOutcome}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending[key] = pd
	t.mu.Unlock()

	pd.timer = time.AfterFunc(t.probeTimeout(), func() { t.markProbablyLost(key) })
}

func (t *datagramTracker) markProbablyLost(key DatagramKey) {
	t.mu.Lock()
	pd, ok := t.pending[key]
	if !ok || pd.lost {
		t.mu.Unlock()
		return
	}
	pd.lost = true
	t.mu.Unlock()
	pd.onOutcome(DatagramProbablyLost, pd.sentTime)
}

func (t *datagramTracker) onAckEcho(key DatagramKey) {
	t.mu.Lock()
	pd, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	pd.timer.Stop()
	if pd.lost {
		pd.onOutcome(DatagramSpuriousLoss, pd.sentTime)
		return
	}
	pd.onOutcome(DatagramAcked, pd.sentTime)
}

func (t *datagramTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, pd := range t.pending {
		pd.timer.Stop()
		delete(t.pending, k)
	}
}

// ackEchoMarker distinguishes a tracker echo datagram from a media
// datagram. A wire.DatagramHeader's leading byte is the first varint byte
// of its datagram_stream_id; that byte is 0xf8 only for ids of at least
// 56<<56, far above both small ids and the nanosecond-timestamp ids that
// internal/relay allocates.
const ackEchoMarker = 0xf8

func encodeAckEcho(key DatagramKey) []byte {
	buf := []byte{ackEchoMarker}
	buf = wire.AppendVarint(buf, key.ObjectID)
	buf = wire.AppendVarint(buf, key.Offset)
	return buf
}

func decodeAckEcho(payload []byte) (DatagramKey, bool) {
	if len(payload) == 0 || payload[0] != ackEchoMarker {
		return DatagramKey{}, false
	}
	objectID, n, err := wire.ReadVarint(payload[1:])
	if err != nil {
		return DatagramKey{}, false
	}
	offset, _, err := wire.ReadVarint(payload[1+n:])
	if err != nil {
		return DatagramKey{}, false
	}
	return DatagramKey{ObjectID: objectID, Offset: offset}, true
}
