// Package relay implements subscribe-propagation (spec.md §2, §4.7): a
// relay node that, on the first subscribe for a URL it doesn't have
// locally, originates that source from an upstream node and feeds it until
// the upstream stream ends or fails; a failed or ended fetch is not
// redialled. Grounded on the teacher's
// internal/rtmp/relay.DestinationManager/Destination (outbound connection,
// status tracking).
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/quicrq/internal/logger"
	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/transport"
	"github.com/alxayo/quicrq/internal/wire"
)

// Status mirrors the teacher's DestinationStatus for an upstream fetch.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusActive
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// fetch tracks one URL's upstream origination.
type fetch struct {
	mu        sync.Mutex
	status    Status
	lastError error
	startedAt time.Time
}

// Propagator implements quicrq.SourceOriginator: it dials UpstreamAddr once
// per missing URL and feeds the resulting local Source from the reply,
// using stream mode or datagram mode per RoleConfig.UseDatagrams.
type Propagator struct {
	ctx     *quicrq.Context
	addr    string
	sni     string
	tlsConf *tls.Config
	qconf   *quic.Config
	useDatagrams bool

	log *slog.Logger

	mu     sync.Mutex
	fetches map[string]*fetch
}

// New creates a Propagator bound to ctx's registry. ctx.Originator must be
// set to the returned value by the caller (cmd/quicrq-server) before any
// connection starts serving subscribes.
func New(ctx *quicrq.Context, tlsConf *tls.Config, qconf *quic.Config) *Propagator {
	return &Propagator{
		ctx:          ctx,
		addr:         ctx.Role.UpstreamAddr,
		sni:          ctx.Role.UpstreamSNI,
		tlsConf:      tlsConf,
		qconf:        qconf,
		useDatagrams: ctx.Role.UseDatagrams,
		log:          logger.Logger().With("component", "relay_propagator", "upstream", ctx.Role.UpstreamAddr),
		fetches:      make(map[string]*fetch),
	}
}

// EnsureSource implements quicrq.SourceOriginator. It creates (or returns)
// the locally-registered Source for url and, the first time, kicks off an
// asynchronous upstream fetch to keep it fed. Later subscribes for the same
// URL reuse the same in-flight or already-fed Source (spec.md §2: "a single
// subscribe-propagated fetch backs any number of local readers").
func (p *Propagator) EnsureSource(url string) (*quicrq.Source, error) {
	src, created := p.ctx.Registry.GetOrCreate(url)
	if !created {
		return src, nil
	}

	f := &fetch{status: StatusConnecting, startedAt: time.Now()}
	p.mu.Lock()
	p.fetches[url] = f
	p.mu.Unlock()

	go p.run(url, src, f)
	return src, nil
}

// Status reports the current fetch state for url, for metrics/diagnostics.
func (p *Propagator) Status(url string) (Status, error) {
	p.mu.Lock()
	f, ok := p.fetches[url]
	p.mu.Unlock()
	if !ok {
		return StatusIdle, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.lastError
}

func (p *Propagator) setStatus(f *fetch, status Status, err error) {
	f.mu.Lock()
	f.status = status
	f.lastError = err
	f.mu.Unlock()
}

// run dials the upstream once and feeds src until the upstream stream ends
// or fails; it does not reconnect on its own (spec.md leaves retry policy
// to the operator — see DESIGN.md).
func (p *Propagator) run(url string, src *quicrq.Source, f *fetch) {
	ctx := context.Background()

	tlsConf := p.tlsConf.Clone()
	if p.sni != "" {
		tlsConf.ServerName = p.sni
	}

	qconn, err := quic.DialAddr(ctx, p.addr, tlsConf, p.qconf)
	if err != nil {
		p.log.Error("upstream dial failed", "url", url, "error", err)
		p.setStatus(f, StatusFailed, err)
		return
	}

	conn := quicrq.Accept(p.ctx, qconn, transport.Config{})
	go func() {
		if err := conn.Serve(ctx); err != nil {
			p.log.Debug("upstream connection ended", "url", url, "error", err)
		}
	}()

	datagramStreamID := uint64(time.Now().UnixNano())
	s, err := conn.OpenSubscribeStream(ctx, url, p.useDatagrams, datagramStreamID)
	if err != nil {
		p.log.Error("upstream subscribe failed", "url", url, "error", err)
		p.setStatus(f, StatusFailed, err)
		return
	}

	if p.useDatagrams {
		if err := p.feedFromDatagrams(s, conn, url, datagramStreamID, src); err != nil {
			p.log.Error("upstream datagram feed ended", "url", url, "error", err)
			p.setStatus(f, StatusFailed, err)
			return
		}
	} else {
		if err := p.feedFromStream(s, url, src); err != nil {
			p.log.Error("upstream stream feed ended", "url", url, "error", err)
			p.setStatus(f, StatusFailed, err)
			return
		}
	}
	p.setStatus(f, StatusActive, nil)
}

// feedFromStream reads REPAIR/FIN control messages off the reply stream and
// writes them straight into src's consumer (stream-mode subscribe-
// propagation always walks objects in strict key order, so no reordering
// buffer is needed).
func (p *Propagator) feedFromStream(s *transport.Stream, url string, src *quicrq.Source) error {
	p.log.Info("upstream stream feed started", "url", url)
	for {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			src.Consumer.Close(time.Now())
			return err
		}
		switch m := msg.(type) {
		case *wire.Repair:
			if err := src.Consumer.Fragment(m.Data, 0, m.ObjectID, m.Offset, 0, 0, 0, m.IsLastFragment, time.Now()); err != nil {
				return fmt.Errorf("apply upstream fragment: %w", err)
			}
		case *wire.FinDatagram:
			src.Consumer.LearnedEnd(0, m.FinalObjectID)
			return nil
		default:
			return fmt.Errorf("unexpected message %T on upstream stream", msg)
		}
	}
}

// feedFromDatagrams waits for the upstream's ACCEPT, binds the connection's
// datagram routing to src, and blocks until the control stream closes
// (datagram payloads themselves arrive via Connection.handleDatagram,
// routed through BindDatagramSource).
func (p *Propagator) feedFromDatagrams(s *transport.Stream, conn *quicrq.Connection, url string, datagramStreamID uint64, src *quicrq.Source) error {
	msg, err := wire.ReadMessage(s)
	if err != nil {
		return fmt.Errorf("await upstream accept: %w", err)
	}
	accept, ok := msg.(*wire.Accept)
	if !ok {
		return fmt.Errorf("expected ACCEPT, got %T", msg)
	}

	conn.BindDatagramSource(accept.DatagramStreamID, src)
	defer conn.UnbindDatagramSource(accept.DatagramStreamID, ^uint64(0))

	p.log.Info("upstream datagram feed started", "url", url, "datagram_stream_id", accept.DatagramStreamID)
	for {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			src.Consumer.Close(time.Now())
			return err
		}
		if fin, ok := msg.(*wire.FinDatagram); ok {
			src.Consumer.LearnedEnd(0, fin.FinalObjectID)
			return nil
		}
	}
}
