// Package rtc adapts pion/webrtc to the call engine's peer connection and
// media interfaces.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pmoura/chirp/internal/call"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

// Factory builds pion peer connections with the configured ICE servers.
type Factory struct {
	config webrtc.Configuration
	logger *zap.Logger
}

// NewFactory creates a peer connection factory. stunServers are ICE server
// URLs such as "stun:stun.l.google.com:19302".
func NewFactory(stunServers []string, logger *zap.Logger) *Factory {
	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return &Factory{config: cfg, logger: logger}
}

// NewPeerConnection creates a peer connection ready for the engine to drive.
func (f *Factory) NewPeerConnection() (call.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &peerConn{pc: pc, logger: f.logger}
	p.register()
	return p, nil
}

// peerConn wraps *webrtc.PeerConnection. Pion callbacks are registered once
// and look up the current handler under p.mu, so DetachHandlers reliably
// silences the connection even while pion goroutines are mid-flight.
type peerConn struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu      sync.Mutex
	onICE   func(wire.ICECandidate)
	onTrack func(kind string)
	onState func(call.PeerState)
}

func (p *peerConn) register() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		fn := p.iceHandler()
		if fn == nil {
			return
		}
		init := c.ToJSON()
		cand := wire.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(cand)
	})

	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if fn := p.trackHandler(); fn != nil {
			fn(tr.Kind().String())
		}
		// Drain inbound RTP so the jitter buffers never back up. Rendering
		// is the UI's concern; the engine only needs the track to flow.
		go func() {
			for {
				if _, _, err := tr.ReadRTP(); err != nil {
					return
				}
			}
		}()
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if fn := p.stateHandler(); fn != nil {
			fn(mapPeerState(s))
		}
	})
}

func (p *peerConn) iceHandler() func(wire.ICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onICE
}

func (p *peerConn) trackHandler() func(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTrack
}

func (p *peerConn) stateHandler() func(call.PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onState
}

func (p *peerConn) AddTrack(t call.MediaTrack) error {
	st, ok := t.(*Track)
	if !ok {
		return fmt.Errorf("unsupported media track %T", t)
	}
	if _, err := p.pc.AddTrack(st.local); err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	return nil
}

func (p *peerConn) CreateOffer(context.Context) (call.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return call.SessionDescription{Type: "offer", SDP: offer.SDP}, nil
}

func (p *peerConn) CreateAnswer(context.Context) (call.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	return call.SessionDescription{Type: "answer", SDP: answer.SDP}, nil
}

func (p *peerConn) SetLocalDescription(desc call.SessionDescription) error {
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *peerConn) SetRemoteDescription(desc call.SessionDescription) error {
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *peerConn) AddICECandidate(c wire.ICECandidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (p *peerConn) OnICECandidate(fn func(wire.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *peerConn) OnTrack(fn func(kind string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *peerConn) OnConnectionStateChange(fn func(call.PeerState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *peerConn) DetachHandlers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = nil
	p.onTrack = nil
	p.onState = nil
}

func (p *peerConn) Close() error {
	return p.pc.Close()
}

func toSessionDescription(desc call.SessionDescription) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unknown SDP type %q", desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func mapPeerState(s webrtc.PeerConnectionState) call.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return call.PeerClosed
	default:
		return call.PeerConnecting
	}
}
