// Package pipeline implements the per-packet parse→filter→transform→
// encode→report pipeline. The five capabilities are expressed as
// interfaces so a deployment can substitute any stage; production wiring
// (cmd/prew) uses AppendUserName as the Transformer and the identity Filter.
package pipeline

import (
	"context"
	"time"

	"github.com/SubstructureOne/impulse/internal/wire"
)

// Packet is the parsed view of a single frame flowing through the pipeline.
type Packet struct {
	Raw       []byte
	Kind      wire.PacketKind
	Direction wire.Direction
	Observed  time.Time     // when the frame was read off the wire
	Startup   *wire.Startup // set only when Kind == KindStartup
	SQL       string        // set only when Kind == KindQuery
	Username  *string       // session's authenticated username, if known
}

// Filter decides whether a packet is dropped, forwarded, or rewritten.
// Returning ok=false drops the packet instead of relaying it.
type Filter interface {
	Filter(ctx context.Context, p *Packet) (ok bool, err error)
}

// Transformer may rewrite a packet's decoded representation in place.
// It returns whether any rewrite was applied; callers re-encode only when
// true, otherwise the original raw bytes are forwarded unchanged.
type Transformer interface {
	Transform(ctx context.Context, p *Packet, auth AuthView) (rewritten bool, err error)
}

// AuthView is the read-only view of a session's authentication state that
// transformers need. internal/session.AuthContext implements it.
type AuthView interface {
	Authenticated() bool
	Username() (string, bool)
}

// Reporter commits a Report for an observed packet. Implementations must
// never block the data plane; see BoundedReporter.
type Reporter interface {
	Report(p *Packet)
}

// IdentityFilter forwards every packet unchanged.
type IdentityFilter struct{}

// Filter always returns ok=true.
func (IdentityFilter) Filter(context.Context, *Packet) (bool, error) { return true, nil }

// IdentityTransformer never rewrites a packet.
type IdentityTransformer struct{}

// Transform always returns rewritten=false.
func (IdentityTransformer) Transform(context.Context, *Packet, AuthView) (bool, error) {
	return false, nil
}

// Encode re-serializes a Packet's decoded Startup or SQL back to raw frame
// bytes; a packet with neither decoded yields Raw unchanged. Run calls it
// only for packets the Transformer rewrote.
func Encode(p *Packet) []byte {
	switch p.Kind {
	case wire.KindStartup:
		if p.Startup != nil {
			return p.Startup.Encode()
		}
	case wire.KindQuery:
		if p.SQL != "" {
			return wire.EncodeQuery(p.SQL)
		}
	}
	return p.Raw
}

// Run executes parse→filter→transform→encode→report for one frame and
// returns the bytes to forward to the peer, or ok=false if the filter
// dropped the packet. Report uses the post-transform view but preserves
// the original direction.
func Run(ctx context.Context, frame []byte, isFirstClientFrame bool, dir wire.Direction, auth AuthView, filter Filter, xform Transformer, reporter Reporter) (out []byte, ok bool, err error) {
	kind := wire.Classify(frame, isFirstClientFrame)
	p := &Packet{Raw: frame, Kind: kind, Direction: dir, Observed: time.Now().UTC()}
	// Pre-authentication traffic (including the auth handshake itself)
	// must not resolve to a username: it bills to the administrator
	// sentinel.
	if auth.Authenticated() {
		if u, ok := auth.Username(); ok {
			p.Username = &u
		}
	}

	// A frame that fails to decode is still forwarded unchanged, but is
	// reported as Other.
	switch kind {
	case wire.KindStartup:
		if s, derr := wire.DecodeStartup(frame); derr == nil {
			p.Startup = s
		} else {
			p.Kind = wire.KindOther
		}
	case wire.KindQuery:
		if sql, derr := wire.DecodeQuery(frame); derr == nil {
			p.SQL = sql
		} else {
			p.Kind = wire.KindOther
		}
	}

	ok, err = filter.Filter(ctx, p)
	if err != nil || !ok {
		return nil, false, err
	}

	rewritten, terr := xform.Transform(ctx, p, auth)
	if terr != nil {
		return nil, false, terr
	}

	out = p.Raw
	if rewritten {
		out = Encode(p)
	}
	if reporter != nil {
		reporter.Report(p)
	}
	return out, true, nil
}
