// Package call drives the WebRTC call lifecycle: offer/answer exchange,
// ICE candidate queuing, media control and teardown. It uses the connection
// manager as its sole signaling transport and exclusively owns the peer
// connection and local media.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmoura/chirp/internal/bus"
	"github.com/pmoura/chirp/internal/conn"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrCallInProgress is returned when a call already exists. At most one
	// non-idle call exists at a time.
	ErrCallInProgress = errors.New("call already in progress")
	// ErrNoPendingOffer is returned by AnswerCall without an incoming offer.
	ErrNoPendingOffer = errors.New("no pending offer to answer")
)

// Publisher is the outbound slice of the connection manager.
type Publisher interface {
	Publish(destination string, payload any) error
	Connected() bool
}

// Info is a read-only snapshot of the active call.
type Info struct {
	CallID        string
	Status        Status
	Type          string
	IsIncoming    bool
	CallerEmail   string
	ReceiverEmail string
	StartTime     time.Time
}

// Engine is the call signaling state machine.
type Engine struct {
	me     string
	pub    Publisher
	peers  PeerFactory
	media  MediaDevices
	bus    *bus.Bus
	logger *zap.Logger

	machine *Machine

	mu                sync.Mutex
	callID            string
	callType          string
	isIncoming        bool
	callerEmail       string
	receiverEmail     string
	startTime         time.Time
	pendingOffer      *SessionDescription
	pendingCandidates []wire.ICECandidate
	remoteDescSet     bool
	pc                PeerConnection
	localStream       MediaStream
	tickerStop        chan struct{}

	now   func() time.Time
	newID func() string
}

// NewEngine creates a call engine for the given local user.
func NewEngine(me string, pub Publisher, peers PeerFactory, media MediaDevices, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		me:      me,
		pub:     pub,
		peers:   peers,
		media:   media,
		bus:     b,
		logger:  logger,
		machine: NewMachine(b),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Status returns the current call status.
func (e *Engine) Status() Status {
	return e.machine.Current()
}

// ActiveCall returns a snapshot of the current call.
func (e *Engine) ActiveCall() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		CallID:        e.callID,
		Status:        e.machine.Current(),
		Type:          e.callType,
		IsIncoming:    e.isIncoming,
		CallerEmail:   e.callerEmail,
		ReceiverEmail: e.receiverEmail,
		StartTime:     e.startTime,
	}
}

// Duration returns the elapsed connected time as "MM:SS" (or "H:MM:SS").
// Returns "00:00" when not connected.
func (e *Engine) Duration() string {
	e.mu.Lock()
	start := e.startTime
	e.mu.Unlock()
	if e.machine.Current() != Connected || start.IsZero() {
		return FormatDuration(0)
	}
	return FormatDuration(e.now().Sub(start))
}

// InitiateCall starts an outgoing call. Only valid from Idle. Media
// acquisition failure aborts the call and returns the engine to Idle; the
// offer is never published in that case.
func (e *Engine) InitiateCall(ctx context.Context, receiverEmail, callType string) error {
	e.mu.Lock()
	if e.machine.Current() != Idle {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	if err := e.machine.Transition(Initiating); err != nil {
		e.mu.Unlock()
		return err
	}
	callID := e.newID()
	e.callID = callID
	e.callType = callType
	e.isIncoming = false
	e.callerEmail = e.me
	e.receiverEmail = receiverEmail
	e.mu.Unlock()

	stream, err := e.media.GetUserMedia(ctx, true, callType == wire.CallTypeVideo)
	if err != nil {
		e.logger.Warn("media acquisition failed", zap.Error(err))
		e.teardown(callID, Failed, wire.ReasonMediaError)
		return fmt.Errorf("acquire media: %w", err)
	}

	e.mu.Lock()
	if e.callID != callID || e.machine.Current() != Initiating {
		// The user cancelled while the media prompt was open.
		e.mu.Unlock()
		stream.Stop()
		return nil
	}
	e.localStream = stream

	offer, err := e.setupPeerLocked(ctx, callID, nil)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("peer setup failed", zap.String("call_id", callID), zap.Error(err))
		e.teardown(callID, Failed, wire.ReasonConnectionLost)
		return err
	}
	e.mu.Unlock()

	if err := e.pub.Publish(conn.DestCall, wire.CallSignal{
		Type:          wire.SignalOffer,
		CallID:        callID,
		CallerEmail:   e.me,
		ReceiverEmail: receiverEmail,
		CallType:      callType,
		SDPOffer:      offer.SDP,
	}); err != nil {
		e.teardown(callID, Failed, wire.ReasonConnectionLost)
		return err
	}

	e.mu.Lock()
	_ = e.machine.Transition(Ringing)
	e.mu.Unlock()
	return nil
}

// HandleSignal dispatches an inbound call queue frame.
func (e *Engine) HandleSignal(sig wire.CallSignal) {
	switch sig.Type {
	case wire.SignalOffer:
		e.HandleCallOffer(sig)
	case wire.SignalResponse:
		e.HandleCallResponse(sig)
	case wire.SignalICE:
		e.HandleRemoteCandidate(sig)
	case wire.SignalEnd:
		e.HandleRemoteEnd(sig)
	default:
		e.logger.Warn("unknown call signal", zap.String("type", sig.Type))
	}
}

// HandleCallOffer records an incoming offer. Only meaningful from Idle: the
// offer SDP is stored as pendingOffer, not yet applied to any peer
// connection, and the engine rings. An offer while another call is active
// is answered with a busy rejection; the active call is untouched.
func (e *Engine) HandleCallOffer(sig wire.CallSignal) {
	e.mu.Lock()
	if e.machine.Current() != Idle {
		e.mu.Unlock()
		_ = e.pub.Publish(conn.DestCall, wire.CallSignal{
			Type:          wire.SignalResponse,
			CallID:        sig.CallID,
			ReceiverEmail: sig.CallerEmail,
			ResponseType:  wire.ResponseReject,
		})
		return
	}
	if err := e.machine.Transition(Ringing); err != nil {
		e.mu.Unlock()
		return
	}
	e.callID = sig.CallID
	e.callType = sig.CallType
	e.isIncoming = true
	e.callerEmail = sig.CallerEmail
	e.receiverEmail = e.me
	e.pendingOffer = &SessionDescription{Type: "offer", SDP: sig.SDPOffer}
	e.mu.Unlock()

	e.bus.Emit(bus.KindCallIncoming, Info{
		CallID:      sig.CallID,
		Status:      Ringing,
		Type:        sig.CallType,
		IsIncoming:  true,
		CallerEmail: sig.CallerEmail,
	})
}

// AnswerCall accepts the pending incoming offer: acquires media, applies
// the stored remote offer, publishes the answer and drains any ICE
// candidates that arrived before the remote description was set.
func (e *Engine) AnswerCall(ctx context.Context) error {
	e.mu.Lock()
	if e.pendingOffer == nil {
		e.mu.Unlock()
		return ErrNoPendingOffer
	}
	callID := e.callID
	callType := e.callType
	caller := e.callerEmail
	e.mu.Unlock()

	stream, err := e.media.GetUserMedia(ctx, true, callType == wire.CallTypeVideo)
	if err != nil {
		e.logger.Warn("media acquisition failed", zap.Error(err))
		e.teardown(callID, Failed, wire.ReasonMediaError)
		return fmt.Errorf("acquire media: %w", err)
	}

	e.mu.Lock()
	if e.callID != callID || e.pendingOffer == nil {
		// Call was rejected or ended while the media prompt was open.
		e.mu.Unlock()
		stream.Stop()
		return nil
	}
	e.localStream = stream

	remote := *e.pendingOffer
	answer, err := e.setupPeerLocked(ctx, callID, &remote)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("peer setup failed", zap.String("call_id", callID), zap.Error(err))
		e.teardown(callID, Failed, wire.ReasonConnectionLost)
		return err
	}
	e.pendingOffer = nil
	drainErr := e.drainCandidatesLocked()
	e.mu.Unlock()

	if drainErr != nil {
		e.logger.Warn("candidate drain failed", zap.Error(drainErr))
	}

	if err := e.pub.Publish(conn.DestCall, wire.CallSignal{
		Type:          wire.SignalResponse,
		CallID:        callID,
		ReceiverEmail: caller,
		ResponseType:  wire.ResponseAccept,
		SDPAnswer:     answer.SDP,
	}); err != nil {
		e.teardown(callID, Failed, wire.ReasonConnectionLost)
		return err
	}

	e.mu.Lock()
	_ = e.machine.Transition(Connecting)
	e.mu.Unlock()
	return nil
}

// HandleCallResponse applies the callee's answer. ACCEPT applies the remote
// SDP to the existing peer connection and drains queued candidates; any
// other response ends the call as rejected.
func (e *Engine) HandleCallResponse(sig wire.CallSignal) {
	e.mu.Lock()
	if sig.CallID != e.callID || e.pc == nil {
		e.mu.Unlock()
		return
	}
	if sig.ResponseType != wire.ResponseAccept {
		e.mu.Unlock()
		e.EndCall(wire.ReasonRejected)
		return
	}

	if err := e.pc.SetRemoteDescription(SessionDescription{Type: "answer", SDP: sig.SDPAnswer}); err != nil {
		e.mu.Unlock()
		e.logger.Warn("apply remote answer failed", zap.Error(err))
		e.EndCall(wire.ReasonConnectionLost)
		return
	}
	e.remoteDescSet = true
	if err := e.drainCandidatesLocked(); err != nil {
		e.logger.Warn("candidate drain failed", zap.Error(err))
	}
	_ = e.machine.Transition(Connecting)
	e.mu.Unlock()
}

// HandleRemoteCandidate applies or queues a remote ICE candidate. A
// candidate arriving before the remote description cannot be applied yet
// and is queued; the queue is drained in arrival order once the remote
// description lands. Dropping or eagerly applying candidates causes silent
// connection failures.
func (e *Engine) HandleRemoteCandidate(sig wire.CallSignal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sig.CallID != e.callID || e.callID == "" {
		return
	}
	cand := wire.ICECandidate{
		Candidate:     sig.Candidate,
		SDPMid:        sig.SDPMid,
		SDPMLineIndex: sig.SDPMLineIndex,
	}
	if !e.remoteDescSet || e.pc == nil {
		e.pendingCandidates = append(e.pendingCandidates, cand)
		return
	}
	if err := e.pc.AddICECandidate(cand); err != nil {
		e.logger.Warn("add ICE candidate failed", zap.Error(err))
	}
}

// HandleRemoteEnd tears down after the peer hung up. Nothing is published
// back.
func (e *Engine) HandleRemoteEnd(sig wire.CallSignal) {
	e.mu.Lock()
	callID := e.callID
	e.mu.Unlock()
	if sig.CallID != callID || callID == "" {
		return
	}
	reason := sig.Reason
	if reason == "" {
		reason = wire.ReasonHangup
	}
	e.teardown(callID, Ended, reason)
}

// RejectCall declines the pending incoming call.
func (e *Engine) RejectCall() {
	e.mu.Lock()
	callID := e.callID
	caller := e.callerEmail
	incoming := e.isIncoming
	e.mu.Unlock()
	if callID == "" {
		return
	}
	if incoming && e.pub.Connected() {
		_ = e.pub.Publish(conn.DestCall, wire.CallSignal{
			Type:          wire.SignalResponse,
			CallID:        callID,
			ReceiverEmail: caller,
			ResponseType:  wire.ResponseReject,
		})
	}
	e.teardown(callID, Ended, wire.ReasonRejected)
}

// EndCall ends the active call for the given reason. The end notice is
// best-effort: cleanup runs even when the publish fails or no connection
// is live.
func (e *Engine) EndCall(reason string) {
	e.mu.Lock()
	callID := e.callID
	peer := e.peerEmailLocked()
	e.mu.Unlock()
	if callID == "" {
		return
	}
	if e.pub.Connected() {
		_ = e.pub.Publish(conn.DestCall, wire.CallSignal{
			Type:          wire.SignalEnd,
			CallID:        callID,
			ReceiverEmail: peer,
			Reason:        reason,
		})
	}
	final := Ended
	if reason == wire.ReasonConnectionLost || reason == wire.ReasonMediaError {
		final = Failed
	}
	e.teardown(callID, final, reason)
}

// ToggleAudio flips the enabled flag on the local audio track in place.
// Mute, not track removal: no renegotiation happens. Returns the new state.
func (e *Engine) ToggleAudio() bool {
	return e.toggleTrack("audio")
}

// ToggleVideo flips the enabled flag on the local video track in place.
func (e *Engine) ToggleVideo() bool {
	return e.toggleTrack("video")
}

func (e *Engine) toggleTrack(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.localStream == nil {
		return false
	}
	enabled := false
	for _, t := range e.localStream.Tracks() {
		if t.Kind() != kind {
			continue
		}
		t.SetEnabled(!t.Enabled())
		enabled = t.Enabled()
	}
	return enabled
}

// setupPeerLocked creates the peer connection, attaches local tracks, wires
// handlers and produces the local description. When remote is non-nil it is
// applied first and an answer is created; otherwise an offer. Caller holds
// e.mu.
func (e *Engine) setupPeerLocked(ctx context.Context, callID string, remote *SessionDescription) (SessionDescription, error) {
	pc, err := e.peers.NewPeerConnection()
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create peer connection: %w", err)
	}
	e.pc = pc

	for _, t := range e.localStream.Tracks() {
		if err := pc.AddTrack(t); err != nil {
			return SessionDescription{}, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	pc.OnICECandidate(func(c wire.ICECandidate) {
		e.publishLocalCandidate(callID, pc, c)
	})
	pc.OnTrack(func(kind string) {
		e.bus.Emit(bus.KindCallRemoteTrack, kind)
	})
	pc.OnConnectionStateChange(func(s PeerState) {
		e.handlePeerState(callID, s)
	})

	var local SessionDescription
	if remote != nil {
		if err := pc.SetRemoteDescription(*remote); err != nil {
			return SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
		}
		e.remoteDescSet = true
		local, err = pc.CreateAnswer(ctx)
		if err != nil {
			return SessionDescription{}, fmt.Errorf("create answer: %w", err)
		}
	} else {
		local, err = pc.CreateOffer(ctx)
		if err != nil {
			return SessionDescription{}, fmt.Errorf("create offer: %w", err)
		}
	}
	if err := pc.SetLocalDescription(local); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return local, nil
}

func (e *Engine) publishLocalCandidate(callID string, pc PeerConnection, c wire.ICECandidate) {
	e.mu.Lock()
	current := e.callID == callID && e.pc == pc
	peer := e.peerEmailLocked()
	e.mu.Unlock()
	if !current {
		return
	}
	_ = e.pub.Publish(conn.DestCall, wire.CallSignal{
		Type:          wire.SignalICE,
		CallID:        callID,
		ReceiverEmail: peer,
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (e *Engine) handlePeerState(callID string, s PeerState) {
	switch s {
	case PeerConnected:
		e.handleConnected(callID)
	case PeerFailed, PeerDisconnected:
		e.mu.Lock()
		current := e.callID == callID
		e.mu.Unlock()
		if current {
			// No automatic redial: the user redials.
			e.EndCall(wire.ReasonConnectionLost)
		}
	}
}

// handleConnected moves to Connected, stamps the start time, starts the
// 1-second duration ticker and notifies the server the call is live.
func (e *Engine) handleConnected(callID string) {
	e.mu.Lock()
	if e.callID != callID || e.machine.Current() != Connecting {
		e.mu.Unlock()
		return
	}
	_ = e.machine.Transition(Connected)
	e.startTime = e.now()
	stop := make(chan struct{})
	e.tickerStop = stop
	peer := e.peerEmailLocked()
	e.mu.Unlock()

	_ = e.pub.Publish(conn.DestCall, wire.CallSignal{
		Type:          wire.SignalConnected,
		CallID:        callID,
		ReceiverEmail: peer,
	})
	e.bus.Emit(bus.KindCallDuration, FormatDuration(0))

	go e.durationLoop(callID, stop)
}

// durationLoop ticks once per second while the call stays Connected and
// self-cancels once the status leaves Connected.
func (e *Engine) durationLoop(callID string, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.mu.Lock()
			current := e.callID == callID
			start := e.startTime
			e.mu.Unlock()
			if !current || e.machine.Current() != Connected {
				return
			}
			e.bus.Emit(bus.KindCallDuration, FormatDuration(e.now().Sub(start)))
		case <-stop:
			return
		}
	}
}

// teardown releases all transient call state and returns to Idle. It is
// idempotent and safe under races: a stale callID is a no-op. Handlers are
// detached before the peer connection closes so teardown never reenters the
// engine through a state-change callback.
func (e *Engine) teardown(callID string, final Status, reason string) {
	e.mu.Lock()
	if e.callID != callID || callID == "" {
		e.mu.Unlock()
		return
	}
	pc := e.pc
	stream := e.localStream
	stop := e.tickerStop
	info := Info{
		CallID:        e.callID,
		Type:          e.callType,
		IsIncoming:    e.isIncoming,
		CallerEmail:   e.callerEmail,
		ReceiverEmail: e.receiverEmail,
		StartTime:     e.startTime,
	}

	e.callID = ""
	e.callType = ""
	e.isIncoming = false
	e.callerEmail = ""
	e.receiverEmail = ""
	e.startTime = time.Time{}
	e.pendingOffer = nil
	e.pendingCandidates = nil
	e.remoteDescSet = false
	e.pc = nil
	e.localStream = nil
	e.tickerStop = nil

	if e.machine.Current() != Idle {
		_ = e.machine.Transition(final)
		_ = e.machine.Transition(Idle)
	}
	e.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if pc != nil {
		pc.DetachHandlers()
		if err := pc.Close(); err != nil {
			e.logger.Warn("peer connection close failed", zap.Error(err))
		}
	}
	if stream != nil {
		stream.Stop()
	}

	e.logger.Info("call ended", zap.String("call_id", callID), zap.String("reason", reason))
	e.bus.Emit(bus.KindCallEnded, EndedEvent{Info: info, Reason: reason})
}

// EndedEvent is the payload for call.ended events.
type EndedEvent struct {
	Info   Info
	Reason string
}

// drainCandidatesLocked applies queued candidates in arrival order and
// empties the queue. Caller holds e.mu with remoteDescSet true.
func (e *Engine) drainCandidatesLocked() error {
	var firstErr error
	for _, c := range e.pendingCandidates {
		if err := e.pc.AddICECandidate(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.pendingCandidates = nil
	return firstErr
}

func (e *Engine) peerEmailLocked() string {
	if e.isIncoming {
		return e.callerEmail
	}
	return e.receiverEmail
}

// FormatDuration renders an elapsed call time as MM:SS, or H:MM:SS past an
// hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
