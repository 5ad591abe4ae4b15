// Package negotiation drives a peer connection from offer creation to an
// applied answer.
package negotiation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
	"robolink/native/internal/metrics"
	"robolink/native/internal/sdpfilter"
)

// State is a negotiation state.
type State string

const (
	StateNew                   State = "New"
	StateLocalOfferCreated     State = "LocalOfferCreated"
	StateAwaitingIceCompletion State = "AwaitingIceCompletion"
	StateIceComplete           State = "IceComplete"
	StateOfferFiltered         State = "OfferFiltered"
	StateAwaitingAnswer        State = "AwaitingAnswer"
	StateConnected             State = "Connected"
	StateClosed                State = "Closed"
)

const (
	eventCreateOffer    = "create_offer"
	eventAwaitGathering = "await_gathering"
	eventGathered       = "gathered"
	eventFilter         = "filter"
	eventSubmit         = "submit"
	eventAnswer         = "answer"
	eventClose          = "close"
)

// Options configures a negotiation.
type Options struct {
	// AudioCodec and VideoCodec restrict the offer to one codec family.
	// Empty or "default" leaves the section untouched.
	AudioCodec  string
	VideoCodec  string
	Passthrough domain.Passthrough
	// GatherTimeout bounds the wait for ICE gathering. Zero waits forever.
	GatherTimeout time.Duration
	// Debug logs the full offer and answer SDP.
	Debug   bool
	Metrics *metrics.Collector
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	State     State
	Local     *domain.SDPPayload
	Remote    *domain.SDPPayload
	Gathering domain.GatheringState
}

// Session owns the negotiation of one peer connection. It is created on
// session start, mutated only by its transitions and discarded on Close.
type Session struct {
	id       string
	peer     domain.Negotiator
	signaler domain.Signaler
	opts     Options
	log      *logrus.Entry
	machine  *fsm.FSM

	mu         sync.Mutex
	local      *domain.SDPPayload
	remote     *domain.SDPPayload
	generation uint64
	closed     chan struct{}
}

// New creates a session in state New.
func New(peer domain.Negotiator, signaler domain.Signaler, opts Options) *Session {
	s := &Session{
		id:       uuid.NewString(),
		peer:     peer,
		signaler: signaler,
		opts:     opts,
		closed:   make(chan struct{}),
	}
	s.log = logging.For("negotiation").WithField("session", s.id)

	open := []string{
		string(StateNew), string(StateLocalOfferCreated), string(StateAwaitingIceCompletion),
		string(StateIceComplete), string(StateOfferFiltered), string(StateAwaitingAnswer),
		string(StateConnected),
	}
	s.machine = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: eventCreateOffer, Src: []string{string(StateNew)}, Dst: string(StateLocalOfferCreated)},
			{Name: eventAwaitGathering, Src: []string{string(StateLocalOfferCreated)}, Dst: string(StateAwaitingIceCompletion)},
			{Name: eventGathered, Src: []string{string(StateAwaitingIceCompletion)}, Dst: string(StateIceComplete)},
			{Name: eventFilter, Src: []string{string(StateIceComplete)}, Dst: string(StateOfferFiltered)},
			{Name: eventSubmit, Src: []string{string(StateOfferFiltered)}, Dst: string(StateAwaitingAnswer)},
			{Name: eventAnswer, Src: []string{string(StateAwaitingAnswer)}, Dst: string(StateConnected)},
			{Name: eventClose, Src: open, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugf("%s -> %s", e.Src, e.Dst)
				s.opts.Metrics.Transition(e.Src, e.Dst)
			},
		},
	)
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Snapshot returns the current state and descriptions.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.State(),
		Local:     copyPayload(s.local),
		Remote:    copyPayload(s.remote),
		Gathering: s.peer.GatheringState(),
	}
}

// Negotiate runs the offer/answer exchange. On failure the session stays in
// the last state it reached; nothing is retried or rolled back.
func (s *Session) Negotiate(ctx context.Context) (err error) {
	defer func() {
		s.opts.Metrics.Negotiation(resultLabel(err))
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			s.log.WithError(err).WithField("state", s.State()).Error("negotiation failed")
		}
	}()

	gen, ok := s.begin()
	if !ok {
		return &Error{Op: "negotiate", Kind: ErrSessionClosed}
	}
	if s.State() != StateNew {
		return &Error{Op: "negotiate", Kind: ErrAlreadyStarted}
	}

	offer, err := s.peer.CreateOffer()
	if err != nil {
		return &Error{Op: "create offer", Kind: ErrTransport, Err: err}
	}
	if err := s.peer.SetLocalDescription(offer); err != nil {
		return &Error{Op: "set local description", Kind: ErrTransport, Err: err}
	}
	s.setLocal(offer)
	if err := s.advance(eventCreateOffer); err != nil {
		return err
	}

	if err := s.awaitGathering(ctx); err != nil {
		return err
	}

	desc, ok := s.peer.LocalDescription()
	if !ok {
		desc = offer
	}
	desc.SDP = s.filterOffer(desc.SDP)
	s.setLocal(desc)
	if err := s.advance(eventFilter); err != nil {
		return err
	}
	if s.opts.Debug {
		s.log.Infof("offer SDP:\n%s", desc.SDP)
	}

	if err := s.advance(eventSubmit); err != nil {
		return err
	}
	answer, err := s.signaler.Exchange(ctx, domain.NewOfferRequest(desc, s.opts.Passthrough))
	if s.stale(gen) {
		s.log.Info("discarding signaling response for closed session")
		return &Error{Op: "exchange", Kind: ErrSessionClosed}
	}
	if err != nil {
		return &Error{Op: "exchange", Kind: ErrSignaling, Err: err}
	}
	if s.opts.Debug {
		s.log.Infof("answer SDP:\n%s", answer.SDP)
	}

	if err := s.applyAnswer(gen, answer); err != nil {
		return err
	}
	return s.advance(eventAnswer)
}

// Close moves the session to Closed. A signaling response that arrives
// afterwards is discarded. The outstanding request itself is not cancelled.
func (s *Session) Close() {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return
	default:
	}
	s.generation++
	close(s.closed)
	s.mu.Unlock()

	if err := s.machine.Event(context.Background(), eventClose); err != nil {
		s.log.WithError(err).Debug("close transition")
	}
	s.log.Info("session closed")
}

func (s *Session) begin() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return 0, false
	default:
		return s.generation, true
	}
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

func (s *Session) advance(event string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		select {
		case <-s.closed:
			return &Error{Op: event, Kind: ErrSessionClosed}
		default:
		}
		return &Error{Op: event, Kind: ErrTransport, Err: errors.Wrapf(err, "transition from %s", s.State())}
	}
	return nil
}

// awaitGathering registers for gathering notifications before checking the
// current state so that a completion between the two cannot be missed. Only
// the first completion is acted on.
func (s *Session) awaitGathering(ctx context.Context) error {
	complete := make(chan struct{})
	var once sync.Once
	remove := s.peer.OnGatheringStateChange(func(state domain.GatheringState) {
		if state == domain.GatheringComplete {
			once.Do(func() { close(complete) })
		}
	})
	defer remove()

	if s.peer.GatheringState() == domain.GatheringComplete {
		remove()
		if err := s.advance(eventAwaitGathering); err != nil {
			return err
		}
		return s.advance(eventGathered)
	}

	if err := s.advance(eventAwaitGathering); err != nil {
		return err
	}
	s.log.Debug("waiting for ICE gathering")

	var timeout <-chan time.Time
	if s.opts.GatherTimeout > 0 {
		timer := time.NewTimer(s.opts.GatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-complete:
		remove()
	case <-s.closed:
		return &Error{Op: "await gathering", Kind: ErrSessionClosed}
	case <-ctx.Done():
		return &Error{Op: "await gathering", Kind: ErrTransport, Err: ctx.Err()}
	case <-timeout:
		return &Error{Op: "await gathering", Kind: ErrTransport, Err: errors.Errorf("gathering not complete after %s", s.opts.GatherTimeout)}
	}
	return s.advance(eventGathered)
}

func (s *Session) filterOffer(text string) string {
	if codecRequested(s.opts.AudioCodec) {
		text = sdpfilter.Filter(string(domain.KindAudio), s.opts.AudioCodec, text)
		s.log.Infof("offer audio restricted to %s", s.opts.AudioCodec)
	}
	if codecRequested(s.opts.VideoCodec) {
		text = sdpfilter.Filter(string(domain.KindVideo), s.opts.VideoCodec, text)
		s.log.Infof("offer video restricted to %s", s.opts.VideoCodec)
	}
	return text
}

// applyAnswer validates and applies the answer while holding the session
// lock, so a concurrent Close either happens before (answer discarded) or
// after (answer applied to a session being torn down).
func (s *Session) applyAnswer(gen uint64, answer domain.SDPPayload) error {
	parsed, err := ParseAnswer(answer)
	if err != nil {
		return &Error{Op: "parse answer", Kind: ErrMalformedAnswer, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return &Error{Op: "apply answer", Kind: ErrSessionClosed}
	}
	if err := s.peer.SetRemoteDescription(answer); err != nil {
		return &Error{Op: "set remote description", Kind: ErrMalformedAnswer, Err: err}
	}
	s.remote = &answer

	for _, line := range Describe(parsed) {
		s.log.Infof("negotiated %s", line)
	}
	return nil
}

func (s *Session) setLocal(desc domain.SDPPayload) {
	s.mu.Lock()
	s.local = &desc
	s.mu.Unlock()
}

// ParseAnswer checks that payload is an answer with parseable SDP.
func ParseAnswer(payload domain.SDPPayload) (*sdp.SessionDescription, error) {
	switch payload.Type {
	case "answer", "pranswer":
	default:
		return nil, errors.Errorf("unexpected description type %q", payload.Type)
	}
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(payload.SDP)); err != nil {
		return nil, errors.Wrap(err, "unmarshal sdp")
	}
	return desc, nil
}

// Describe lists each media section with its codecs, e.g. "audio: 111 opus/48000".
func Describe(desc *sdp.SessionDescription) []string {
	var out []string
	for _, m := range desc.MediaDescriptions {
		var codecs []string
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				codecs = append(codecs, f)
				continue
			}
			codec, err := desc.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				codecs = append(codecs, f)
				continue
			}
			codecs = append(codecs, fmt.Sprintf("%d %s/%d", pt, codec.Name, codec.ClockRate))
		}
		out = append(out, m.MediaName.Media+": "+strings.Join(codecs, ", "))
	}
	return out
}

func codecRequested(codec string) bool {
	return codec != "" && !strings.EqualFold(codec, "default")
}

func copyPayload(p *domain.SDPPayload) *domain.SDPPayload {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
