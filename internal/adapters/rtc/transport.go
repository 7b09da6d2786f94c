// Package rtc implements the direct transport on pion WebRTC data channels.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/negotiation"
)

const (
	audioLabel = "audio"
	fileLabel  = "file"
)

var (
	ErrConnectionFailed = errors.New("peer connection failed")
	ErrChannelClosed    = errors.New("data channel closed")
)

type Transport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu          sync.Mutex
	onCandidate func(negotiation.Candidate)
	onReady     func(core.Channels)
	onFailure   func(error)
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	audio, file *webrtc.DataChannel
	opened      map[string]bool
	ready       bool
	done        bool
}

var _ core.Transport = (*Transport)(nil)

// Factory builds transports sharing one configuration.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// NewFactory prepares an API. includeLoopback lets two processes on one host
// connect without any other interface.
func NewFactory(cfg webrtc.Configuration, includeLoopback bool) *Factory {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(includeLoopback)
	return &Factory{api: webrtc.NewAPI(webrtc.WithSettingEngine(se)), cfg: cfg}
}

// New satisfies core.TransportFactory.
func (f *Factory) New(remote domain.PeerID) (core.Transport, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &Transport{
		pc:     pc,
		logger: log.With().Str("module", "rtc").Str("peer", string(remote)).Logger(),
		opened: map[string]bool{},
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(negotiation.Candidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			t.fail(ErrConnectionFailed)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.logger.Debug().Str("label", dc.Label()).Msg("remote data channel")
		t.track(dc)
	})
	return t, nil
}

func (t *Transport) OnCandidate(fn func(negotiation.Candidate)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnReady(fn func(core.Channels)) {
	t.mu.Lock()
	t.onReady = fn
	t.mu.Unlock()
}

func (t *Transport) OnFailure(fn func(error)) {
	t.mu.Lock()
	t.onFailure = fn
	t.mu.Unlock()
}

// CreateOffer opens both channels and returns the offer. Candidates trickle
// through OnCandidate afterwards.
func (t *Transport) CreateOffer() (string, error) {
	ordered, retransmits := false, uint16(0)
	audio, err := t.pc.CreateDataChannel(audioLabel, &webrtc.DataChannelInit{Ordered: &ordered, MaxRetransmits: &retransmits})
	if err != nil {
		return "", fmt.Errorf("audio channel: %w", err)
	}
	t.track(audio)
	file, err := t.pc.CreateDataChannel(fileLabel, nil)
	if err != nil {
		return "", fmt.Errorf("file channel: %w", err)
	}
	t.track(file)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (t *Transport) AcceptOffer(sdp string) (string, error) {
	if err := t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (t *Transport) AcceptAnswer(sdp string) error {
	return t.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// AddCandidate holds candidates until the remote description is applied.
func (t *Transport) AddCandidate(c negotiation.Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(init)
}

func (t *Transport) setRemote(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("remote %s: %w", desc.Type, err)
	}
	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	return nil
}

func (t *Transport) track(dc *webrtc.DataChannel) {
	label := dc.Label()
	if label != audioLabel && label != fileLabel {
		t.logger.Warn().Str("label", label).Msg("unexpected data channel")
		_ = dc.Close()
		return
	}
	t.mu.Lock()
	if label == audioLabel {
		t.audio = dc
	} else {
		t.file = dc
	}
	t.mu.Unlock()

	dc.OnOpen(func() { t.channelOpen(label) })
	dc.OnClose(func() {
		t.mu.Lock()
		wasReady := t.ready
		t.mu.Unlock()
		if wasReady {
			t.fail(fmt.Errorf("%w: %s", ErrChannelClosed, label))
		}
	})
}

// channelOpen fires OnReady once both channels are open.
func (t *Transport) channelOpen(label string) {
	t.mu.Lock()
	t.opened[label] = true
	if t.ready || t.done || !t.opened[audioLabel] || !t.opened[fileLabel] {
		t.mu.Unlock()
		return
	}
	t.ready = true
	chans := core.Channels{Audio: newChannel(t.audio), File: newChannel(t.file)}
	fn := t.onReady
	t.mu.Unlock()
	t.logger.Info().Msg("data channels open")
	if fn != nil {
		fn(chans)
	}
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	fn := t.onFailure
	t.mu.Unlock()
	t.logger.Warn().Err(err).Msg("transport failed")
	if fn != nil {
		fn(err)
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return err
	}
	return nil
}
