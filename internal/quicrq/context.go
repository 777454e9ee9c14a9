package quicrq

import (
	"log/slog"

	"github.com/alxayo/quicrq/internal/congestion"
	"github.com/alxayo/quicrq/internal/logger"
)

// RoleConfig carries the node's role per spec.md §6: an origin serves only
// sources it knows about locally; a relay additionally originates missing
// sources from an upstream address on first subscribe (subscribe-
// propagation, spec.md §4.7, §2).
type RoleConfig struct {
	EnableOrigin bool
	EnableRelay  bool
	UpstreamSNI  string
	UpstreamAddr string
	UseDatagrams bool

	CongestionEnabled  bool
	MinLossClassFlag   uint8
	MaxDrops           int
	RealTimeCacheMode  bool
}

// SourceOriginator is the hook a relay uses to fetch a source it doesn't
// have locally yet (implemented by internal/relay.Propagator). An origin
// node's Context leaves this nil: subscribing to an unknown URL is then a
// protocol violation.
type SourceOriginator interface {
	EnsureSource(url string) (*Source, error)
}

// Context is the per-process QUICRQ context of spec.md §2: transport
// handle ownership lives in the caller (cmd/quicrq-server); Context owns
// the source registry and role descriptor reachable from every connection.
type Context struct {
	Registry   *Registry
	Role       RoleConfig
	Originator SourceOriginator
	Log        *slog.Logger
}

// NewContext creates a context with an empty source registry.
func NewContext(role RoleConfig) *Context {
	return &Context{
		Registry: NewRegistry(),
		Role:     role,
		Log:      logger.Logger().With("component", "quicrq_context"),
	}
}

// ResolveSource implements subscribe-propagation: return the local source if
// present, else ask the originator (relay only), else fail.
func (ctx *Context) ResolveSource(url string) (*Source, error) {
	if s, ok := ctx.Registry.Get(url); ok {
		return s, nil
	}
	if ctx.Originator != nil {
		return ctx.Originator.EnsureSource(url)
	}
	return nil, errUnknownSource(url)
}

// newCongestionState builds a fresh per-reader congestion oracle from the
// context's role configuration (spec.md §9 "Congestion oracle").
func (ctx *Context) newCongestionState() *congestion.State {
	return &congestion.State{
		Enabled:          ctx.Role.CongestionEnabled,
		MinLossClassFlag: ctx.Role.MinLossClassFlag,
		MaxDrops:         ctx.Role.MaxDrops,
	}
}
