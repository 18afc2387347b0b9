package handshake

import (
	"crypto/subtle"
	"errors"
	"net/netip"

	"github.com/ooni/toyvpn/internal/ippool"
	"github.com/ooni/toyvpn/internal/model"
)

// Registrar records which peer owns a tunnel address.
type Registrar interface {
	Register(key netip.Addr, peer netip.AddrPort)
}

// Responder runs the server side of the handshake.
type Responder struct {
	logger model.Logger
	pool   *ippool.Pool
	table  Registrar
	tokens [][]byte
	routes []model.Route
}

// NewResponder creates a new [Responder]. An empty set of tokens accepts
// any token.
func NewResponder(logger model.Logger, pool *ippool.Pool, table Registrar, tokens []string, routes []model.Route) *Responder {
	r := &Responder{
		logger: logger,
		pool:   pool,
		table:  table,
		tokens: make([][]byte, 0, len(tokens)),
		routes: append([]model.Route{}, routes...),
	}
	for _, token := range tokens {
		r.tokens = append(r.tokens, []byte(token))
	}
	return r
}

// Handle processes a request received from peer and returns the packet to
// send back, using the same layout as the request. Packets that are not
// requests produce an error and no answer.
func (r *Responder) Handle(peer netip.AddrPort, pkt []byte) ([]byte, error) {
	token, err := DecodeRequest(pkt)
	if err != nil {
		return nil, err
	}

	if !r.authorized(token) {
		r.logger.Warnf("handshake: %s: invalid token", peer)
		return EncodeReject("invalid token")
	}

	addr, err := r.pool.Allocate(peer.String())
	if err != nil {
		if errors.Is(err, ippool.ErrExhausted) {
			r.logger.Warnf("handshake: %s: %s", peer, err.Error())
			return EncodeReject("address pool exhausted")
		}
		return nil, err
	}
	r.table.Register(addr, peer)

	nc := &model.NetworkConfig{
		ClientIP:     addr,
		ServerIP:     r.pool.ServerAddr(),
		PrefixLength: r.pool.Prefix().Bits(),
		Routes:       r.routes,
	}
	r.logger.Infof("handshake: assigned %s to %s", addr, peer)
	if IsBasicRequest(pkt) {
		return EncodeBasicAccept(nc)
	}
	return EncodeAccept(nc)
}

func (r *Responder) authorized(token string) bool {
	if len(r.tokens) == 0 {
		return true
	}
	candidate := []byte(token)
	for _, allowed := range r.tokens {
		if subtle.ConstantTimeCompare(candidate, allowed) == 1 {
			return true
		}
	}
	return false
}
