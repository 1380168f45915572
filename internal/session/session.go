// Package session implements the connection session: per-connection
// state, SSL/startup negotiation, auth tracking, and the bidirectional
// forward/backward relay built on internal/wire and internal/pipeline.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/SubstructureOne/impulse/internal/metrics"
	"github.com/SubstructureOne/impulse/internal/pipeline"
	"github.com/SubstructureOne/impulse/internal/wire"
)

// Session relays one accepted client connection to one backend connection,
// applying the rule pipeline to every frame. The backend socket is never
// pooled or reused: one client, one backend connection.
type Session struct {
	client, backend net.Conn
	auth            *AuthContext
	filter          pipeline.Filter
	xform           pipeline.Transformer
	reporter        pipeline.Reporter
	metrics         *metrics.Collector
	maxFrameBytes   int
	log             *slog.Logger
}

// New constructs a Session over an already-accepted client connection and
// an already-dialed backend connection. filter/xform/reporter may be nil,
// in which case identity behavior and no reporting are used.
func New(client, backend net.Conn, filter pipeline.Filter, xform pipeline.Transformer, reporter pipeline.Reporter, m *metrics.Collector, maxFrameBytes int) *Session {
	if filter == nil {
		filter = pipeline.IdentityFilter{}
	}
	if xform == nil {
		xform = pipeline.IdentityTransformer{}
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return &Session{
		client:        client,
		backend:       backend,
		auth:          NewAuthContext(),
		filter:        filter,
		xform:         xform,
		reporter:      reporter,
		metrics:       m,
		maxFrameBytes: maxFrameBytes,
		log:           slog.Default().With("component", "session", "remote", client.RemoteAddr()),
	}
}

// Serve drives the session to completion: SSL/startup negotiation followed
// by bidirectional relay (framed, or raw passthrough if TLS was accepted by
// the backend; the proxy does not terminate TLS, so it cannot parse
// frames once the stream is encrypted). It returns once both halves have
// closed.
func (s *Session) Serve(ctx context.Context) error {
	defer s.client.Close()
	defer s.backend.Close()

	start := time.Now()
	outcome := "closed"
	if s.metrics != nil {
		s.metrics.SessionStarted()
		defer func() { s.metrics.SessionEnded(time.Since(start), outcome) }()
	}

	rawMode, err := s.negotiateStartup(ctx)
	if err != nil {
		outcome = "negotiation_error"
		return fmt.Errorf("startup negotiation: %w", err)
	}

	if rawMode {
		return s.relayRaw()
	}
	return s.relayFramed(ctx)
}

// negotiateStartup handles the untagged first-client-frame: an SSL
// negotiation loop (relayed transparently, never terminated by this proxy)
// followed by the StartupMessage, which is run through the pipeline and
// forwarded to the backend. Returns rawMode=true if the backend accepted
// SSL, meaning the remainder of the connection is opaque TLS bytes that
// must be relayed as a raw byte copy rather than parsed as frames.
func (s *Session) negotiateStartup(ctx context.Context) (rawMode bool, err error) {
	for {
		frame, err := wire.ReadFrame(s.client, false, s.maxFrameBytes)
		if err != nil {
			return false, fmt.Errorf("reading initial frame: %w", err)
		}

		if wire.IsSSLRequest(frame) {
			if err := wire.WriteFrame(s.backend, frame); err != nil {
				return false, fmt.Errorf("forwarding SSLRequest: %w", err)
			}
			reply := make([]byte, 1)
			if _, err := io.ReadFull(s.backend, reply); err != nil {
				return false, fmt.Errorf("reading SSL negotiation reply: %w", err)
			}
			if _, err := s.client.Write(reply); err != nil {
				return false, fmt.Errorf("forwarding SSL negotiation reply: %w", err)
			}
			if reply[0] == 'S' {
				return true, nil
			}
			// 'N': client retries with a plain StartupMessage.
			continue
		}

		if st, derr := wire.DecodeStartup(frame); derr == nil {
			if u, ok := st.GetParameter("user"); ok {
				s.auth.setUsername(u)
			}
		}

		out, ok, perr := pipeline.Run(ctx, frame, true, wire.Forward, s.auth, s.filter, s.xform, s.reporter)
		if perr != nil {
			return false, fmt.Errorf("startup pipeline: %w", perr)
		}
		if !ok {
			return false, fmt.Errorf("startup message dropped by filter")
		}
		if err := wire.WriteFrame(s.backend, out); err != nil {
			return false, fmt.Errorf("forwarding startup message: %w", err)
		}
		if s.metrics != nil {
			s.metrics.PacketRelayed(wire.Forward.String(), wire.KindStartup.String())
		}
		return false, nil
	}
}

// relayFramed spawns the forward and backward tasks. On either half's EOF
// or I/O error both halves close; in-flight reporter work is not awaited.
func (s *Session) relayFramed(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.forward(ctx) }()
	go func() { errCh <- s.backward(ctx) }()

	first := <-errCh
	s.client.Close()
	s.backend.Close()
	<-errCh // best-effort drain of the other half
	return first
}

func (s *Session) forward(ctx context.Context) error {
	for {
		frame, err := wire.ReadFrame(s.client, true, s.maxFrameBytes)
		if err != nil {
			return err
		}
		out, ok, err := pipeline.Run(ctx, frame, false, wire.Forward, s.auth, s.filter, s.xform, s.reporter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := wire.WriteFrame(s.backend, out); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.PacketRelayed(wire.Forward.String(), wire.Classify(frame, false).String())
		}
	}
}

func (s *Session) backward(ctx context.Context) error {
	for {
		frame, err := wire.ReadFrame(s.backend, true, s.maxFrameBytes)
		if err != nil {
			return err
		}
		kind := wire.Classify(frame, false)
		if kind == wire.KindAuthentication {
			if sub, ok := wire.AuthSubtype(frame); ok && sub == wire.AuthSubtypeOK {
				s.auth.setAuthenticated()
			}
		}
		// Server-originated frames are never transformed: AppendUserName is
		// not idempotent, so it runs only on the forward direction.
		out, ok, err := pipeline.Run(ctx, frame, false, wire.Backward, s.auth, s.filter, pipeline.IdentityTransformer{}, s.reporter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := wire.WriteFrame(s.client, out); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.PacketRelayed(wire.Backward.String(), kind.String())
		}
	}
}

// relayRaw copies bytes in both directions without framing, used once the
// backend has accepted a TLS upgrade this proxy cannot see inside of.
func (s *Session) relayRaw() error {
	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(s.backend, s.client); errCh <- err }()
	go func() { _, err := io.Copy(s.client, s.backend); errCh <- err }()

	first := <-errCh
	s.client.Close()
	s.backend.Close()
	<-errCh
	return first
}
