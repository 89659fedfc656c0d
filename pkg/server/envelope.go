package server

import (
	"github.com/luxfi/matcher/pkg/proto"
	"github.com/luxfi/matcher/pkg/registry"
)

// envelopeKind separates wire inputs from internally generated work.
type envelopeKind uint8

const (
	kindInput envelopeKind = iota
	// kindCancelUser cancels every resting order for one user. Generated
	// when a client disconnects, never parsed off the wire.
	kindCancelUser
)

// InputEnvelope carries one unit of engine work plus its provenance.
type InputEnvelope struct {
	Kind     envelopeKind
	Msg      proto.Input
	UserID   uint32 // kindCancelUser only
	ClientID registry.ClientID
}

// OutputEnvelope pairs an engine output with the client whose input produced
// it, which the router needs to direct acks.
type OutputEnvelope struct {
	Msg    proto.Output
	Origin registry.ClientID
}
