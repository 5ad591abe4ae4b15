package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robolink/native/internal/domain"
	"robolink/native/internal/negotiation"
)

const offerSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// recorder collects teardown steps in order.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) Steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type fakeChannel struct {
	rec *recorder

	mu      sync.Mutex
	sent    []string
	onOpen  func()
	onClose func()
	onMsg   func(string)
}

func (c *fakeChannel) Label() string { return domain.DefaultChannelLabel }

func (c *fakeChannel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeChannel) OnOpen(fn func())          { c.onOpen = fn }
func (c *fakeChannel) OnClose(fn func())         { c.onClose = fn }
func (c *fakeChannel) OnMessage(fn func(string)) { c.onMsg = fn }

func (c *fakeChannel) Close() error {
	c.rec.add("channel.close")
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

type stoppableTransceiver struct {
	kind domain.MediaKind
	rec  *recorder
	err  error
}

func (t stoppableTransceiver) Kind() domain.MediaKind { return t.kind }

func (t stoppableTransceiver) Stop() error {
	t.rec.add("transceiver.stop:" + string(t.kind))
	return t.err
}

// detachingTransceiver drops the peer's sender tracks when stopped, as a
// negotiated pion transceiver does.
type detachingTransceiver struct {
	peer *fakePeer
}

func (t detachingTransceiver) Kind() domain.MediaKind { return domain.KindAudio }

func (t detachingTransceiver) Stop() error {
	t.peer.rec.add("transceiver.stop:audio")
	t.peer.tracks = nil
	return nil
}

type plainTransceiver struct {
	kind domain.MediaKind
}

func (t plainTransceiver) Kind() domain.MediaKind { return t.kind }

type fakeTrack struct {
	id  string
	rec *recorder
}

func (t fakeTrack) ID() string { return t.id }
func (t fakeTrack) Stop()      { t.rec.add("track.stop:" + t.id) }

// fakePeer completes gathering immediately and records setup calls.
type fakePeer struct {
	rec *recorder

	mu           sync.Mutex
	channel      *fakeChannel
	channelErr   error
	audioErr     error
	kinds        []domain.MediaKind
	localAudio   bool
	transceivers []domain.Transceiver
	tracks       []domain.LocalTrack
	local        *domain.SDPPayload
	remote       *domain.SDPPayload
	closeErr     error
}

func newFakePeer(rec *recorder) *fakePeer {
	return &fakePeer{rec: rec}
}

func (p *fakePeer) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: offerSDP}, nil
}

func (p *fakePeer) SetLocalDescription(desc domain.SDPPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) LocalDescription() (domain.SDPPayload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return domain.SDPPayload{}, false
	}
	return *p.local, true
}

func (p *fakePeer) GatheringState() domain.GatheringState { return domain.GatheringComplete }

func (p *fakePeer) OnGatheringStateChange(func(domain.GatheringState)) func() { return func() {} }

func (p *fakePeer) SetRemoteDescription(desc domain.SDPPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePeer) CreateDataChannel(label string, _ domain.DataChannelParams) (domain.DataChannel, error) {
	if p.channelErr != nil {
		return nil, p.channelErr
	}
	p.channel = &fakeChannel{rec: p.rec}
	return p.channel, nil
}

func (p *fakePeer) AddRecvonly(kind domain.MediaKind) error {
	p.kinds = append(p.kinds, kind)
	p.transceivers = append(p.transceivers, stoppableTransceiver{kind: kind, rec: p.rec})
	return nil
}

func (p *fakePeer) AddLocalAudio() error {
	if p.audioErr != nil {
		return p.audioErr
	}
	p.localAudio = true
	p.transceivers = append(p.transceivers, stoppableTransceiver{kind: domain.KindAudio, rec: p.rec})
	p.tracks = append(p.tracks, fakeTrack{id: "mic", rec: p.rec})
	return nil
}

func (p *fakePeer) Transceivers() []domain.Transceiver { return p.transceivers }

func (p *fakePeer) SenderTracks() []domain.LocalTrack { return p.tracks }

func (p *fakePeer) Close() error {
	p.rec.add("peer.close")
	return p.closeErr
}

type fakeSignaler struct {
	answer  domain.SDPPayload
	err     error
	release chan struct{}
	// ctxErr is the exchange context's error when the answer is returned.
	ctxErr error
}

func (s *fakeSignaler) Exchange(ctx context.Context, _ domain.OfferRequest) (domain.SDPPayload, error) {
	if s.release != nil {
		<-s.release
	}
	s.ctxErr = ctx.Err()
	return s.answer, s.err
}

func answer() domain.SDPPayload {
	return domain.SDPPayload{Type: "answer", SDP: offerSDP}
}

func newTestManager(peer *fakePeer, sig domain.Signaler, opts Options) *Manager {
	m := New(peer, sig, opts)
	m.sleep = func(d time.Duration) { peer.rec.add(fmt.Sprintf("sleep:%s", d)) }
	return m
}

func TestStart_SetupOrder(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{
		UseDataChannel: true,
		UseVideo:       true,
	})

	require.NoError(t, m.Start(context.Background()))

	require.NotNil(t, peer.channel)
	assert.Equal(t, []domain.MediaKind{domain.KindVideo, domain.KindAudio}, peer.kinds)
	assert.False(t, peer.localAudio)
	assert.Equal(t, negotiation.StateConnected, m.Session().State())
}

func TestStart_LocalAudio(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{UseAudio: true})

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, peer.localAudio)
	assert.Empty(t, peer.kinds)
	assert.Nil(t, peer.channel)
}

func TestStart_MediaAcquisitionError(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	cause := errors.New("device busy")
	peer.audioErr = cause
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{UseAudio: true})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMediaAcquisition))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "device busy")
	assert.Nil(t, m.Session())
}

func TestStart_DataChannelError(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	peer.channelErr = errors.New("sctp unavailable")
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{UseDataChannel: true})

	err := m.Start(context.Background())
	assert.True(t, errors.Is(err, negotiation.ErrTransport))
}

func TestStart_SignalingError(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	m := newTestManager(peer, &fakeSignaler{err: errors.New("connection refused")}, Options{})

	err := m.Start(context.Background())
	assert.True(t, errors.Is(err, negotiation.ErrSignaling))
	assert.Equal(t, negotiation.StateAwaitingAnswer, m.Session().State())
}

func TestStop_TeardownOrder(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{
		UseDataChannel: true,
		UseAudio:       true,
		UseVideo:       true,
	})
	require.NoError(t, m.Start(context.Background()))

	m.Stop()

	assert.Equal(t, []string{
		"channel.close",
		"transceiver.stop:video",
		"transceiver.stop:audio",
		"track.stop:mic",
		"sleep:500ms",
		"peer.close",
	}, rec.Steps())
	assert.Equal(t, negotiation.StateClosed, m.Session().State())
}

func TestStop_SkipsTransceiversWithoutStop(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	peer.transceivers = []domain.Transceiver{
		plainTransceiver{kind: domain.KindVideo},
		stoppableTransceiver{kind: domain.KindAudio, rec: rec, err: errors.New("already stopped")},
	}
	m := newTestManager(peer, &fakeSignaler{}, Options{Grace: 10 * time.Millisecond})

	m.Stop()

	assert.Equal(t, []string{"transceiver.stop:audio", "sleep:10ms", "peer.close"}, rec.Steps())
}

func TestStop_Idempotent(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	peer.closeErr = errors.New("already closed")
	m := newTestManager(peer, &fakeSignaler{}, Options{})

	m.Stop()
	m.Stop()

	assert.Equal(t, []string{"sleep:500ms", "peer.close"}, rec.Steps())
}

func TestStop_BeforeNegotiationCompletes(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	sig := &fakeSignaler{answer: answer(), release: make(chan struct{})}
	m := newTestManager(peer, sig, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		s := m.Session()
		return s != nil && s.State() == negotiation.StateAwaitingAnswer
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	close(sig.release)

	err := <-errCh
	assert.True(t, errors.Is(err, negotiation.ErrSessionClosed))
	assert.NoError(t, sig.ctxErr, "stop must not cancel the exchange")
	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.Nil(t, peer.remote)
}

func TestChannel_ProbeRoundTrip(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)

	var mu sync.Mutex
	var rtts []float64
	var inbound []string
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{
		UseDataChannel: true,
		ProbeInterval:  time.Hour,
		OnRTT: func(ms float64) {
			mu.Lock()
			defer mu.Unlock()
			rtts = append(rtts, ms)
		},
		OnMessage: func(text string) {
			mu.Lock()
			defer mu.Unlock()
			inbound = append(inbound, text)
		},
	})
	require.NoError(t, m.Start(context.Background()))

	dc := peer.channel
	dc.onOpen()
	dc.onMsg("pong 0")
	dc.onMsg("hello")

	mu.Lock()
	assert.Len(t, rtts, 1)
	assert.Equal(t, []string{"pong 0", "hello"}, inbound)
	mu.Unlock()

	m.Stop()
}

func TestSendCommand(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	m := newTestManager(peer, &fakeSignaler{answer: answer()}, Options{UseDataChannel: true})
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.SendCommand("forward"))
	assert.Equal(t, []string{"command: forward"}, peer.channel.Sent())
}

func TestSendCommand_NoChannel(t *testing.T) {
	m := newTestManager(newFakePeer(&recorder{}), &fakeSignaler{}, Options{})
	assert.ErrorIs(t, m.SendCommand("forward"), ErrNoChannel)
}

func TestStop_StopsTracksDetachedByTransceiverStop(t *testing.T) {
	rec := &recorder{}
	peer := newFakePeer(rec)
	peer.transceivers = []domain.Transceiver{detachingTransceiver{peer: peer}}
	peer.tracks = []domain.LocalTrack{fakeTrack{id: "mic", rec: rec}}
	m := newTestManager(peer, &fakeSignaler{}, Options{})

	m.Stop()

	assert.Equal(t, []string{
		"transceiver.stop:audio",
		"track.stop:mic",
		"sleep:500ms",
		"peer.close",
	}, rec.Steps())
}
