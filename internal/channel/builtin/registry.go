// Package builtin wires the adapters shipped with the service into a registry.
package builtin

import (
	"switchboard/internal/channel"
	"switchboard/internal/channel/email"
	"switchboard/internal/channel/facebook"
	"switchboard/internal/channel/instagram"
	"switchboard/internal/channel/whatsapp"
)

// NewRegistry returns a registry with every built-in protocol registered.
func NewRegistry(deps channel.Dependencies) *channel.Registry {
	r := channel.NewRegistry(deps)
	r.Register(channel.ProtocolIMAP, email.NewIMAP, nil)
	r.Register(channel.ProtocolPOP3, email.NewPOP3, nil)
	r.Register(channel.ProtocolSMTP, nil, email.NewSMTP)
	r.Register(channel.ProtocolGmail, email.NewGmailInbound, email.NewGmailOutbound)
	r.Register(channel.ProtocolOutlook, email.NewOutlookInbound, email.NewOutlookOutbound)
	r.Register(channel.ProtocolWhatsApp, nil, whatsapp.New)
	r.Register(channel.ProtocolFacebook, nil, facebook.New)
	r.Register(channel.ProtocolInstagram, nil, instagram.New)
	return r
}

// Parsers maps each webhook-capable protocol to its payload parser.
func Parsers() map[channel.Protocol]channel.WebhookParser {
	return map[channel.Protocol]channel.WebhookParser{
		channel.ProtocolWhatsApp:  whatsapp.Parser{},
		channel.ProtocolFacebook:  facebook.Parser{},
		channel.ProtocolInstagram: instagram.Parser{},
	}
}
