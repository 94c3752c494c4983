package service

import (
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// TransportSelector maps a conversation channel tag to its persistent transport.
type TransportSelector struct {
	transports map[domain.Channel]port.Transport
}

// NewTransportSelector requires an admin transport; it is the fallback for
// every unknown or unconfigured channel.
func NewTransportSelector(transports map[domain.Channel]port.Transport) *TransportSelector {
	if transports[domain.ChannelAdmin] == nil {
		panic("service: transport selector needs an admin transport")
	}
	m := make(map[domain.Channel]port.Transport, len(transports))
	for ch, t := range transports {
		if t != nil {
			m[ch] = t
		}
	}
	return &TransportSelector{transports: m}
}

// Select never fails. If the transport is down a connect is kicked off and
// the handle is returned anyway; its sends fail fast until it is ready.
func (s *TransportSelector) Select(ch domain.Channel) port.Transport {
	t, ok := s.transports[ch]
	if !ok {
		t = s.transports[domain.ChannelAdmin]
	}
	if !t.Connected() {
		log.Debug().Str("channel", ch.String()).Str("transport", t.Name()).Msg("Transport down, reconnecting")
		t.EnsureConnected()
	}
	return t
}

// All returns each distinct transport once.
func (s *TransportSelector) All() []port.Transport {
	seen := make(map[port.Transport]bool, len(s.transports))
	var out []port.Transport
	for _, ch := range []domain.Channel{domain.ChannelAdmin, domain.ChannelShop, domain.ChannelAI} {
		t, ok := s.transports[ch]
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// ChannelOf is the first channel tag served by t, admin when t is unknown.
func (s *TransportSelector) ChannelOf(t port.Transport) domain.Channel {
	for _, ch := range []domain.Channel{domain.ChannelAdmin, domain.ChannelShop, domain.ChannelAI} {
		if s.transports[ch] == t {
			return ch
		}
	}
	return domain.ChannelAdmin
}
