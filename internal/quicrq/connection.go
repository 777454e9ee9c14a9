package quicrq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/alxayo/quicrq/internal/acktrack"
	"github.com/alxayo/quicrq/internal/bufpool"
	quicrqerrors "github.com/alxayo/quicrq/internal/errors"
	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/publisher"
	"github.com/alxayo/quicrq/internal/transport"
	"github.com/alxayo/quicrq/internal/wire"
)

func errUnknownSource(url string) error {
	return quicrqerrors.NewProtocolViolation("quicrq.resolve_source", fmt.Errorf("unknown source %q", url))
}

var globalReaderCounter uint64

func nextReaderID() uint64 { return atomic.AddUint64(&globalReaderCounter, 1) }

// Connection is the per-connection orchestrator of spec.md §4.7: it
// dispatches transport callbacks (stream data, stream prepare-to-send,
// datagram in, datagram ack/lost/spurious, close) into the core
// components. Grounded on the teacher's internal/rtmp/conn.Connection
// read/write-loop wiring and cloudflared's quicConnection dispatch.
type Connection struct {
	qctx *Context
	t    *transport.Connection
	log  *slog.Logger

	mu               sync.Mutex
	streamReaders    map[int64]*Reader  // keyed by transport.Stream.ID()
	datagramReaders  map[uint64]*Reader // keyed by datagram_stream_id, readers WE serve
	datagramSources  map[uint64]*Source // keyed by datagram_stream_id, sources WE feed from a peer's datagrams
	abandonWatermark map[uint64]uint64  // datagram_stream_id -> next_abandon_datagram_id
}

// Accept wraps an already-established quic.Connection (either side) into a
// QUICRQ connection bound to qctx.
func Accept(qctx *Context, qconn quic.Connection, cfg transport.Config) *Connection {
	c := &Connection{
		qctx:             qctx,
		log:              logger.Logger().With("component", "quicrq_connection", "conn_id", uuid.NewString()),
		streamReaders:    make(map[int64]*Reader),
		datagramReaders:  make(map[uint64]*Reader),
		datagramSources:  make(map[uint64]*Source),
		abandonWatermark: make(map[uint64]uint64),
	}
	c.t = transport.NewConnection(qconn, cfg, c.handleStream, c.handleDatagram)
	return c
}

// Serve runs the connection's accept-stream and datagram loops until ctx is
// cancelled or the connection fails (spec.md §4.7, §5).
func (c *Connection) Serve(ctx context.Context) error {
	return c.t.Serve(ctx)
}

// OpenSubscribeStream is the client-side counterpart: dial out a new stream,
// send OPEN_STREAM or OPEN_DATAGRAM, and return the stream; reading the
// reply is left to the caller. Used by internal/relay for
// subscribe-propagation.
func (c *Connection) OpenSubscribeStream(ctx context.Context, url string, datagram bool, datagramStreamID uint64) (*transport.Stream, error) {
	s, err := c.t.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	var msg any
	if datagram {
		msg = &wire.OpenDatagram{URL: url, DatagramStreamID: datagramStreamID}
	} else {
		msg = &wire.OpenStream{URL: url}
	}
	if err := wire.WriteMessage(s, msg); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostStream announces an upstream publish intent to a relay.
func (c *Connection) OpenPostStream(ctx context.Context, url string) (*transport.Stream, error) {
	s, err := c.t.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteMessage(s, &wire.Post{URL: url}); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// handleStream is the "stream data in" callback: decode the first control
// message and route on its tag (spec.md §4.7).
func (c *Connection) handleStream(ctx context.Context, s *transport.Stream) {
	msg, err := wire.ReadMessage(s)
	if err != nil {
		c.log.Debug("stream closed before a control message arrived", "error", err)
		_ = s.Close()
		return
	}

	switch m := msg.(type) {
	case *wire.OpenStream:
		c.serveStreamModeReader(ctx, s, m.URL)
	case *wire.OpenDatagram:
		c.serveDatagramModeReader(ctx, s, m.URL, m.DatagramStreamID)
	case *wire.Post:
		c.serveUpstreamPublisher(ctx, s, m.URL)
	case *wire.RequestRepair:
		// spec.md §9 Open Questions: repair-request receive semantics are
		// unspecified upstream; treat as a protocol violation.
		c.log.Warn("REQUEST_REPAIR received; repair receive path unspecified", "final_object_id", m.FinalObjectID, "object_id", m.ObjectID)
		s.CancelWrite(uint64(protocolViolationCode))
		_ = s.Close()
	default:
		c.log.Warn("unexpected first message on stream", "type", fmt.Sprintf("%T", msg))
		s.CancelWrite(uint64(protocolViolationCode))
		_ = s.Close()
	}
}

const protocolViolationCode = 1

// serveStreamModeReader implements the server side of an OPEN_STREAM
// request: resolve the source (subscribe-propagation if relay), attach a
// stream-mode reader, and run its write loop until the stream closes.
func (c *Connection) serveStreamModeReader(ctx context.Context, s *transport.Stream, url string) {
	src, err := c.qctx.ResolveSource(url)
	if err != nil {
		c.log.Warn("subscribe to unknown source", "url", url, "error", err)
		s.CancelWrite(uint64(protocolViolationCode))
		_ = s.Close()
		return
	}

	reader := newStreamReader(nextReaderID(), src, uint64(s.ID()), IntentFromStart)
	c.mu.Lock()
	c.streamReaders[s.ID()] = reader
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.streamReaders, s.ID())
		c.mu.Unlock()
		reader.Close()
		_ = s.Close()
	}()

	const writeBudget = 4096
	err = s.RunWriteLoop(ctx, writeBudget, reader.Wake, func(budget int) (any, bool) {
		chunk := reader.NextStreamChunk(budget)
		switch {
		case chunk.Repair != nil:
			return chunk.Repair, true
		case chunk.Fin != nil:
			return chunk.Fin, false
		default:
			return nil, false
		}
	})
	if err != nil && ctx.Err() == nil {
		c.log.Debug("stream-mode reader write loop ended", "url", url, "error", err)
	}
}

// serveDatagramModeReader implements the server side of an OPEN_DATAGRAM
// request: reply ACCEPT, attach a datagram-mode reader, and run a ticker
// that drains it into the transport whenever datagrams are ready.
func (c *Connection) serveDatagramModeReader(ctx context.Context, s *transport.Stream, url string, datagramStreamID uint64) {
	src, err := c.qctx.ResolveSource(url)
	if err != nil {
		c.log.Warn("subscribe to unknown source", "url", url, "error", err)
		s.CancelWrite(uint64(protocolViolationCode))
		_ = s.Close()
		return
	}
	if err := wire.WriteMessage(s, &wire.Accept{DatagramStreamID: datagramStreamID}); err != nil {
		_ = s.Close()
		return
	}

	reader := newDatagramReader(nextReaderID(), src, datagramStreamID, c.qctx.newCongestionState())
	c.mu.Lock()
	c.datagramReaders[datagramStreamID] = reader
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.datagramReaders, datagramStreamID)
		c.mu.Unlock()
		reader.Close()
	}()

	maxPayload := c.t.MaxDatagramSize() - wire.DatagramHeader{}.HeaderLen()
	for {
		// Apply any ack/loss outcomes queued by the transport before
		// producing the next datagram, so Tick and the outcome callbacks
		// never touch datagramPub's state concurrently.
		drainOutcomes(reader)

		chunk, ok := reader.datagramPub.Tick(time.Now(), maxPayload)
		if !ok {
			if reader.datagramPub.Finished() {
				_ = wire.WriteMessage(s, &wire.FinDatagram{FinalObjectID: reader.datagramPub.FinalObjectID()})
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-reader.Wake:
				continue
			case fn := <-reader.outcomes:
				fn()
				continue
			}
		}
		c.sendDatagramChunk(reader, chunk)
	}
}

// drainOutcomes runs every ack/loss callback currently queued for reader
// without blocking.
func drainOutcomes(reader *Reader) {
	for {
		select {
		case fn := <-reader.outcomes:
			fn()
		default:
			return
		}
	}
}

// sendDatagramChunk frames and transmits one emitted fragment, wiring the
// transport's ack/probably-lost/spurious-loss outcome back into the
// reader's ack tracker (spec.md §4.5, §4.7).
func (c *Connection) sendDatagramChunk(reader *Reader, chunk publisher.DatagramChunk) {
	headerLen := chunk.Header.HeaderLen()
	buf := bufpool.Get(headerLen + len(chunk.Payload))[:0]
	buf = wire.EncodeDatagram(buf, chunk.Header, chunk.Payload)
	key := transport.DatagramKey{ObjectID: chunk.Header.ObjectID, Offset: chunk.Header.Offset}
	maxDatagramSize := uint64(c.t.MaxDatagramSize())

	// quic-go's SendDatagram copies payload before returning, so buf can go
	// back to the pool as soon as the call below completes. The outcome
	// itself fires from a timer goroutine (probably-lost) or the receive
	// loop (ack echo), neither of which is the reader's serve goroutine, so
	// it is only ever queued here, never acted on directly.
	err := c.t.SendDatagram(key, buf, func(outcome transport.DatagramOutcome, sentTime time.Time) {
		reader.enqueueOutcome(func() {
			switch outcome {
			case transport.DatagramAcked:
				reader.datagramPub.AckEvent(chunk.Header.ObjectID, chunk.Header.Offset)
			case transport.DatagramSpuriousLoss:
				reader.datagramPub.SpuriousLossEvent(chunk.Header.ObjectID, chunk.Header.Offset)
			case transport.DatagramProbablyLost:
				for _, rep := range reader.datagramPub.LossEvent(chunk.Header.ObjectID, chunk.Header.Offset, sentTime, maxDatagramSize) {
					c.retransmitRepeat(reader, chunk.Header, rep)
				}
			}
		})
	})
	bufpool.Put(buf)
	if err != nil {
		c.log.Debug("send datagram failed", "error", err)
	}
}

// retransmitRepeat re-sends the bytes an ack tracker repeat request names,
// re-reading them from the cache so a repeat always reflects current data.
func (c *Connection) retransmitRepeat(reader *Reader, lastHeader wire.DatagramHeader, rep acktrack.RepeatRequest) {
	// rep.Offset may fall inside a cached fragment (the second half of a
	// split repeat, or the rest of a budget-truncated send), so look up the
	// fragment covering it rather than one starting exactly there.
	frag, ok := reader.Source.Cache.FragmentBefore(lastHeader.GroupID, rep.ObjectID, rep.Offset+1)
	if !ok || frag.Key.GroupID != lastHeader.GroupID || frag.Key.ObjectID != rep.ObjectID ||
		(rep.Offset > frag.Key.Offset && rep.Offset >= frag.Key.Offset+uint64(len(frag.Data))) {
		return
	}
	data := frag.Data[rep.Offset-frag.Key.Offset:]
	if rep.Length > 0 && uint64(len(data)) > rep.Length {
		data = data[:rep.Length]
	}
	hdr := wire.DatagramHeader{
		DatagramStreamID:       lastHeader.DatagramStreamID,
		GroupID:                frag.Key.GroupID,
		ObjectID:               frag.Key.ObjectID,
		Offset:                 rep.Offset,
		QueueDelay:             frag.QueueDelay,
		Flags:                  frag.Flags,
		IsLastFragment:         rep.IsLastFragment,
	}
	if rep.Offset == 0 {
		hdr.NbObjectsPreviousGroup = frag.NbObjectsPreviousGroup
	}
	c.sendDatagramChunk(reader, publisher.DatagramChunk{Header: hdr, Payload: data})
}

// serveUpstreamPublisher implements the server side of a POST request (post
// -propagation, spec.md §4.7): create the source if absent, then feed every
// REPAIR frame the publisher sends into its consumer until the stream ends.
func (c *Connection) serveUpstreamPublisher(ctx context.Context, s *transport.Stream, url string) {
	src, _ := c.qctx.Registry.GetOrCreate(url)

	for {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			now := time.Now()
			src.Consumer.Close(now)
			return
		}
		switch m := msg.(type) {
		case *wire.Repair:
			// REPAIR carries no group id and no nb_objects_previous_group,
			// so every POST fragment is written into group 0 with
			// nb_objects_previous_group 0: a POST stream carries a single
			// group.
			if err := src.Consumer.Fragment(m.Data, 0, m.ObjectID, m.Offset, 0, 0, 0, m.IsLastFragment, time.Now()); err != nil {
				c.log.Warn("publisher fragment rejected", "url", url, "error", err)
				return
			}
		case *wire.FinDatagram:
			src.Consumer.LearnedEnd(0, m.FinalObjectID)
		default:
			c.log.Warn("unexpected message on POST stream", "type", fmt.Sprintf("%T", msg))
			return
		}
	}
}

// handleDatagram is the "datagram in" callback: decode the header, find the
// stream by datagram_stream_id, and feed its consumer (spec.md §4.7).
func (c *Connection) handleDatagram(payload []byte, receivedAt time.Time) {
	hdr, body, err := wire.DecodeDatagram(payload)
	if err != nil {
		c.log.Warn("malformed datagram header", "error", err)
		return
	}

	c.mu.Lock()
	watermark, hasWatermark := c.abandonWatermark[hdr.DatagramStreamID]
	c.mu.Unlock()
	if hasWatermark && hdr.ObjectID < watermark {
		return // silently dropped per spec.md §4.7's next_abandon_datagram_id rule
	}

	src := c.sourceForDatagramStream(hdr.DatagramStreamID)
	if src == nil {
		return
	}
	if err := src.Consumer.Fragment(body, hdr.GroupID, hdr.ObjectID, hdr.Offset, hdr.QueueDelay, hdr.Flags, hdr.NbObjectsPreviousGroup, hdr.IsLastFragment, receivedAt); err != nil {
		c.log.Warn("datagram fragment rejected", "error", err)
		return
	}
	if err := c.t.SendAckEcho(transport.DatagramKey{ObjectID: hdr.ObjectID, Offset: hdr.Offset}); err != nil {
		c.log.Debug("send ack echo failed", "error", err)
	}
}

// sourceForDatagramStream resolves the Source a consumer-side datagram
// stream feeds. A given connection only ever consumes datagrams on streams
// it originated itself with OPEN_DATAGRAM (internal/relay, subscribe-
// propagation over datagrams); streams it serves as sender live in
// datagramReaders instead and never legitimately carry inbound media.
func (c *Connection) sourceForDatagramStream(id uint64) *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.datagramSources[id]
}

// BindDatagramSource registers src as the destination for media datagrams
// arriving on datagramStreamID, once an OPEN_DATAGRAM this connection sent
// has been ACCEPTed (internal/relay.Propagator).
func (c *Connection) BindDatagramSource(datagramStreamID uint64, src *Source) {
	c.mu.Lock()
	c.datagramSources[datagramStreamID] = src
	c.mu.Unlock()
}

// UnbindDatagramSource stops routing datagramStreamID's traffic, recording
// belowObjectID as the next_abandon_datagram_id watermark so any datagrams
// already in flight are dropped rather than mis-delivered (spec.md §4.7).
func (c *Connection) UnbindDatagramSource(datagramStreamID, belowObjectID uint64) {
	c.mu.Lock()
	delete(c.datagramSources, datagramStreamID)
	c.abandonWatermark[datagramStreamID] = belowObjectID
	c.mu.Unlock()
}
