package channel

import (
	"fmt"
	"sort"
	"sync"

	"switchboard/internal/config"
	"switchboard/internal/logger"
	"switchboard/internal/ratelimit"
	apperrors "switchboard/pkg/errors"
)

type Protocol string

const (
	ProtocolIMAP      Protocol = "imap"
	ProtocolSMTP      Protocol = "smtp"
	ProtocolPOP3      Protocol = "pop3"
	ProtocolGmail     Protocol = "gmail"
	ProtocolOutlook   Protocol = "outlook"
	ProtocolWhatsApp  Protocol = "whatsapp"
	ProtocolFacebook  Protocol = "facebook"
	ProtocolInstagram Protocol = "instagram"
)

// OutboundProtocol maps an inbound-only protocol to the one that sends for the same mailbox.
func (p Protocol) OutboundProtocol() Protocol {
	switch p {
	case ProtocolIMAP, ProtocolPOP3:
		return ProtocolSMTP
	}
	return p
}

// Dependencies are shared by every adapter a registry builds.
type Dependencies struct {
	Config    config.ChannelsConfig
	RateLimit config.RateLimitConfig
	Limiter   *ratelimit.Limiter
	Breaker   config.CircuitBreakerConfig
	Logger    logger.Logger
}

type InboundConstructor func(account Account, deps Dependencies) (InboundAdapter, error)
type OutboundConstructor func(account Account, deps Dependencies) (OutboundAdapter, error)

// Registry resolves a protocol to its adapter constructors.
type Registry struct {
	mu       sync.RWMutex
	deps     Dependencies
	inbound  map[Protocol]InboundConstructor
	outbound map[Protocol]OutboundConstructor
}

func NewRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	return &Registry{
		deps:     deps,
		inbound:  make(map[Protocol]InboundConstructor),
		outbound: make(map[Protocol]OutboundConstructor),
	}
}

// Register adds constructors for protocol. Either may be nil. A later
// registration for the same protocol replaces the earlier one.
func (r *Registry) Register(protocol Protocol, in InboundConstructor, out OutboundConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in != nil {
		r.inbound[protocol] = in
	}
	if out != nil {
		r.outbound[protocol] = out
	}
}

func (r *Registry) Inbound(account Account) (InboundAdapter, error) {
	r.mu.RLock()
	ctor, ok := r.inbound[account.Protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrConfiguration.WithMessage(fmt.Sprintf("no inbound adapter for protocol %q", account.Protocol))
	}
	return ctor(account.Clone(), r.deps)
}

func (r *Registry) Outbound(account Account) (OutboundAdapter, error) {
	protocol := account.Protocol.OutboundProtocol()
	r.mu.RLock()
	ctor, ok := r.outbound[protocol]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrConfiguration.WithMessage(fmt.Sprintf("no outbound adapter for protocol %q", account.Protocol))
	}
	return ctor(account.Clone(), r.deps)
}

func (r *Registry) InboundProtocols() []Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Protocol, 0, len(r.inbound))
	for p := range r.inbound {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
