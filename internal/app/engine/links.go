package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/fragment"
	"github.com/dkeye/voicemesh/internal/metrics"
	"github.com/dkeye/voicemesh/internal/negotiation"
	"github.com/dkeye/voicemesh/internal/session"
)

type link struct {
	*negotiation.Link

	transport core.Transport
	session   *session.Session
	timer     *time.Timer
	// remote candidates that arrived before the transport existed
	candidates []negotiation.Candidate
	// directFailed marks a relay link that replaced a failed direct attempt.
	directFailed bool
}

func (e *Engine) apply(l *link, ev negotiation.Event) bool {
	if err := l.Apply(ev); err != nil {
		e.logger.Debug().Err(err).Str("peer", string(l.Remote)).Msg("ignored link event")
		return false
	}
	metrics.LinkTransitions.WithLabelValues(l.State().String(), l.Path.String()).Inc()
	e.logger.Debug().Str("peer", string(l.Remote)).Str("event", ev.String()).
		Str("state", l.State().String()).Msg("link transition")
	return true
}

// openLink creates the link to remote. attempt is empty when we start it.
func (e *Engine) openLink(remote domain.PeerID, attempt string) *link {
	key := domain.NewLinkKey(e.self, remote)
	if len(e.links) >= e.cfg.MaxLinks {
		e.logger.Error().Err(domain.ErrCapacity).Str("peer", string(remote)).
			Int("max", e.cfg.MaxLinks).Msg("link table full")
		return nil
	}
	if attempt == "" {
		attempt = uuid.NewString()
	}
	path := negotiation.Direct
	if !e.cfg.DirectEnabled {
		path = negotiation.Relay
	}
	l := &link{Link: negotiation.NewLink(e.self, remote, path, attempt, time.Now())}
	e.links[key] = l
	e.logger.Info().Str("peer", string(remote)).Str("path", path.String()).
		Bool("offerer", l.Offerer()).Msg("opening link")

	if path == negotiation.Relay {
		e.startRelay(l)
		return l
	}
	e.armTimer(l)
	if l.Offerer() {
		e.sendOffer(l)
	}
	e.replayEarly(remote)
	return l
}

func (e *Engine) armTimer(l *link) {
	key, attempt := l.Key, l.Attempt
	l.timer = time.AfterFunc(e.cfg.NegotiationTimeout, func() {
		e.postRetry(func() { e.onTimeout(key, attempt) })
	})
}

func (e *Engine) closeLink(key domain.LinkKey, l *link, bye bool) {
	if l.timer != nil {
		l.timer.Stop()
	}
	if bye && l.Path == negotiation.Direct && !l.State().Terminal() {
		e.sendSignal(l.Remote, negotiation.Signal{Type: negotiation.SignalBye, Attempt: l.Attempt})
	}
	if l.session != nil {
		e.fwd.Detach(l.Remote)
		l.session.Close()
	}
	if tr := l.transport; tr != nil {
		go func() { _ = tr.Close() }()
	}
	e.apply(l, negotiation.Close)
	e.files.Drop(key)
	delete(e.links, key)
	e.logger.Info().Str("peer", string(l.Remote)).Msg("link closed")
	e.publishSessions()
	e.publishRoster()
}

func (e *Engine) current(key domain.LinkKey, l *link) bool {
	cur, ok := e.links[key]
	return ok && cur == l
}

// newTransport builds a transport whose callbacks land on the actor tagged with l.
func (e *Engine) newTransport(l *link) error {
	tr, err := e.transports(l.Remote)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	key := l.Key
	tr.OnCandidate(func(c negotiation.Candidate) {
		_ = e.post(func() {
			if e.current(key, l) {
				e.sendSignal(l.Remote, negotiation.Signal{Type: negotiation.SignalCandidate, Attempt: l.Attempt, Candidate: &c})
			}
		})
	})
	tr.OnReady(func(ch core.Channels) {
		if err := e.post(func() { e.onReady(key, l, ch) }); err != nil {
			_ = ch.Audio.Close()
			_ = ch.File.Close()
		}
	})
	tr.OnFailure(func(err error) {
		_ = e.post(func() { e.onTransportFailed(key, l, err) })
	})
	l.transport = tr
	for _, c := range l.candidates {
		if err := tr.AddCandidate(c); err != nil {
			e.logger.Debug().Err(err).Msg("queued candidate rejected")
		}
	}
	l.candidates = nil
	return nil
}

func (e *Engine) sendOffer(l *link) {
	if err := e.newTransport(l); err != nil {
		e.logger.Error().Err(err).Str("peer", string(l.Remote)).Msg("offer failed")
		e.fallback(l)
		return
	}
	sdp, err := l.transport.CreateOffer()
	if err != nil {
		e.logger.Error().Err(err).Str("peer", string(l.Remote)).Msg("create offer failed")
		e.fallback(l)
		return
	}
	e.sendSignal(l.Remote, negotiation.Signal{Type: negotiation.SignalOffer, Attempt: l.Attempt, SDP: sdp})
	e.apply(l, negotiation.OfferSent)
}

func (e *Engine) sendSignal(to domain.PeerID, sig negotiation.Signal) {
	b, err := sig.Marshal()
	if err != nil {
		e.logger.Error().Err(err).Msg("marshal signal")
		return
	}
	frames, err := fragment.Encode(fragment.NewMessageID(), b, fragment.MaxMessageSize)
	if err != nil {
		e.logger.Error().Err(err).Str("type", string(sig.Type)).Msg("fragment signal")
		return
	}
	parent := e.ctx
	if parent == nil || parent.Err() != nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, tunnelSendTimeout)
	defer cancel()
	for _, f := range frames {
		if err := e.tunnel.SendPrivate(ctx, to, f); err != nil {
			e.logger.Warn().Err(err).Str("to", string(to)).Str("type", string(sig.Type)).Msg("signal not sent")
			return
		}
	}
}

func (e *Engine) onSignalPayload(from domain.PeerID, payload []byte) {
	sig, err := negotiation.ParseSignal(payload)
	if err != nil {
		e.logger.Warn().Err(err).Str("from", string(from)).Msg("dropping signal")
		return
	}
	if _, ok := e.members[from]; !ok {
		e.logger.Debug().Str("from", string(from)).Msg("signal from peer outside room")
		return
	}
	key := domain.NewLinkKey(e.self, from)
	l, ok := e.links[key]
	if !ok {
		e.stashEarly(from, sig)
		return
	}
	e.onSignal(l, sig)
}

// stashEarly keeps signals that beat our own view of the topology.
// A full queue drops the newest signal; an offer is never evicted.
func (e *Engine) stashEarly(from domain.PeerID, sig negotiation.Signal) {
	q := e.early[from]
	if len(q) >= pendingSignalsLimit {
		if sig.Type != negotiation.SignalOffer {
			e.logger.Debug().Err(domain.ErrCapacity).Str("from", string(from)).
				Str("type", string(sig.Type)).Msg("early signal queue full, dropping signal")
			return
		}
		// A new offer supersedes whatever was queued for other attempts.
		q = slices.DeleteFunc(q, func(s negotiation.Signal) bool { return s.Attempt != sig.Attempt })
		if len(q) >= pendingSignalsLimit {
			q = q[:pendingSignalsLimit-1]
		}
	}
	e.early[from] = append(q, sig)
}

func (e *Engine) replayEarly(remote domain.PeerID) {
	q := e.early[remote]
	delete(e.early, remote)
	for _, s := range q {
		l, ok := e.links[domain.NewLinkKey(e.self, remote)]
		if !ok {
			return
		}
		e.onSignal(l, s)
	}
}

func (e *Engine) onSignal(l *link, sig negotiation.Signal) {
	switch sig.Type {
	case negotiation.SignalOffer:
		e.onOffer(l, sig)
	case negotiation.SignalAnswer:
		if sig.Attempt != l.Attempt || l.transport == nil {
			return
		}
		if l.State() != negotiation.Offering {
			return
		}
		if err := l.transport.AcceptAnswer(sig.SDP); err != nil {
			e.onTransportFailed(l.Key, l, err)
			return
		}
		e.apply(l, negotiation.AnswerReceived)
	case negotiation.SignalCandidate:
		if sig.Attempt != l.Attempt || l.Path != negotiation.Direct {
			return
		}
		if l.transport == nil {
			l.candidates = append(l.candidates, *sig.Candidate)
			return
		}
		if err := l.transport.AddCandidate(*sig.Candidate); err != nil {
			e.logger.Debug().Err(err).Msg("candidate rejected")
		}
	case negotiation.SignalBye:
		if sig.Attempt != l.Attempt {
			return
		}
		e.logger.Info().Str("peer", string(l.Remote)).Msg("remote closed link")
		e.closeLink(l.Key, l, false)
	}
}

func (e *Engine) onOffer(l *link, sig negotiation.Signal) {
	if l.Offerer() {
		// Collision: the smaller id offers, the other side's offer loses.
		e.logger.Debug().Str("peer", string(l.Remote)).Msg("ignoring offer on link we offer")
		return
	}
	if !e.cfg.DirectEnabled {
		return
	}
	if sig.Attempt != l.Attempt {
		if l.State() != negotiation.Idle || l.Path != negotiation.Direct {
			// A fresh attempt from the expected offerer replaces the link.
			remote := l.Remote
			e.closeLink(l.Key, l, false)
			nl := e.openLink(remote, sig.Attempt)
			if nl == nil {
				return
			}
			l = nl
		} else {
			l.Attempt = sig.Attempt
			l.timer.Stop()
			e.armTimer(l)
		}
	}
	if l.State() != negotiation.Idle {
		return
	}
	if err := e.newTransport(l); err != nil {
		e.logger.Error().Err(err).Str("peer", string(l.Remote)).Msg("answer failed")
		e.fallback(l)
		return
	}
	answer, err := l.transport.AcceptOffer(sig.SDP)
	if err != nil {
		e.onTransportFailed(l.Key, l, err)
		return
	}
	e.apply(l, negotiation.OfferReceived)
	e.sendSignal(l.Remote, negotiation.Signal{Type: negotiation.SignalAnswer, Attempt: l.Attempt, SDP: answer})
	e.apply(l, negotiation.AnswerSent)
	e.publishRoster()
}

func (e *Engine) onReady(key domain.LinkKey, l *link, ch core.Channels) {
	if !e.current(key, l) || !e.apply(l, negotiation.ChannelReady) {
		_ = ch.Audio.Close()
		_ = ch.File.Close()
		return
	}
	l.timer.Stop()
	l.session = session.NewDirect(e.self, l.Remote, ch, e.handlers())
	e.fwd.Attach(l.Remote, e.tierOf(l.Remote), l.session)
	e.logger.Info().Str("peer", string(l.Remote)).Msg("direct link established")
	e.publishSessions()
	e.publishRoster()
}

func (e *Engine) onTimeout(key domain.LinkKey, attempt string) {
	l, ok := e.links[key]
	if !ok || l.Attempt != attempt || l.Path != negotiation.Direct {
		return
	}
	if s := l.State(); s == negotiation.Established || s.Terminal() {
		return
	}
	e.apply(l, negotiation.Timeout)
	e.logger.Warn().Str("peer", string(l.Remote)).Dur("after", e.cfg.NegotiationTimeout).Msg("negotiation timed out")
	e.fallback(l)
}

func (e *Engine) onTransportFailed(key domain.LinkKey, l *link, err error) {
	if !e.current(key, l) || l.State().Terminal() {
		return
	}
	e.logger.Warn().Err(err).Str("peer", string(l.Remote)).Msg("transport failed")
	e.apply(l, negotiation.TransportFailed)
	e.fallback(l)
}

// fallback swaps a failed direct link for a relay link with the same key.
func (e *Engine) fallback(l *link) {
	if l.State() != negotiation.Failed {
		e.apply(l, negotiation.TransportFailed)
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.session != nil {
		e.fwd.Detach(l.Remote)
		l.session.Close()
		l.session = nil
	}
	if tr := l.transport; tr != nil {
		go func() { _ = tr.Close() }()
		l.transport = nil
	}
	if !e.cfg.RelayEnabled || e.dialRelay == nil {
		e.logger.Warn().Str("peer", string(l.Remote)).Msg("no relay available, peer unreachable")
		e.publishRoster()
		return
	}
	rl := &link{
		Link:         negotiation.NewLink(e.self, l.Remote, negotiation.Relay, l.Attempt, time.Now()),
		directFailed: true,
	}
	e.apply(l, negotiation.Close)
	e.links[l.Key] = rl
	e.startRelay(rl)
	e.publishRoster()
}

var errRelayDown = errors.New("relay unavailable")
