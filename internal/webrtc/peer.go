package webrtc

import (
	"io"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
)

// Config configures a client Peer.
type Config struct {
	// ICEServers are STUN/TURN URLs, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string
	// AudioSource is an Ogg/Opus file streamed on the local audio track.
	// Empty sends a silent track.
	AudioSource string
}

// Peer wraps a pion PeerConnection and implements domain.Peer.
type Peer struct {
	pc          *pion.PeerConnection
	audioSource string
	log         *logrus.Entry

	mu        sync.Mutex
	listeners map[int]func(domain.GatheringState)
	nextID    int
	tracks    []*audioTrack
}

// NewPeer creates a PeerConnection on api.
func NewPeer(api *pion.API, cfg Config) (*Peer, error) {
	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   ICEServers(cfg.ICEServers),
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	p := &Peer{
		pc:          pc,
		audioSource: cfg.AudioSource,
		log:         logging.For("webrtc"),
		listeners:   make(map[int]func(domain.GatheringState)),
	}

	// A nil candidate marks the end of gathering.
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Info("ICE gathering complete")
			p.notifyGathering(domain.GatheringComplete)
			return
		}
		p.log.Debugf("local ICE candidate: %s", c.ToJSON().Candidate)
		p.notifyGathering(domain.GatheringInProgress)
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Infof("ICE connection state: %s", state.String())
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Infof("peer connection state: %s", state.String())
	})
	pc.OnSignalingStateChange(func(state pion.SignalingState) {
		p.log.Debugf("signaling state: %s", state.String())
	})

	return p, nil
}

// CreateOffer implements domain.Negotiator.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "create offer")
	}
	return fromPion(offer), nil
}

// SetLocalDescription implements domain.Negotiator. Setting the offer
// starts ICE gathering.
func (p *Peer) SetLocalDescription(desc domain.SDPPayload) error {
	if err := p.pc.SetLocalDescription(toPion(desc)); err != nil {
		return errors.Wrap(err, "set local description")
	}
	p.log.Info("local SDP offer set")
	return nil
}

// LocalDescription returns the local description including gathered candidates.
func (p *Peer) LocalDescription() (domain.SDPPayload, bool) {
	desc := p.pc.LocalDescription()
	if desc == nil {
		return domain.SDPPayload{}, false
	}
	return fromPion(*desc), true
}

// GatheringState implements domain.Negotiator.
func (p *Peer) GatheringState() domain.GatheringState {
	return gatheringState(p.pc.ICEGatheringState())
}

// OnGatheringStateChange implements domain.Negotiator. The returned func
// may be called any number of times.
func (p *Peer) OnGatheringStateChange(fn func(domain.GatheringState)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Peer) notifyGathering(state domain.GatheringState) {
	p.mu.Lock()
	fns := make([]func(domain.GatheringState), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// SetRemoteDescription applies the answer.
func (p *Peer) SetRemoteDescription(desc domain.SDPPayload) error {
	if err := p.pc.SetRemoteDescription(toPion(desc)); err != nil {
		return errors.Wrap(err, "set remote description")
	}
	p.log.Info("remote SDP answer set")
	return nil
}

// CreateDataChannel implements domain.Peer.
func (p *Peer) CreateDataChannel(label string, params domain.DataChannelParams) (domain.DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, &pion.DataChannelInit{
		Ordered:           params.Ordered,
		MaxPacketLifeTime: params.MaxPacketLifeTime,
		MaxRetransmits:    params.MaxRetransmits,
		Protocol:          params.Protocol,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create data channel")
	}
	return WrapChannel(dc), nil
}

// AddRecvonly adds a receive-only transceiver of kind.
func (p *Peer) AddRecvonly(kind domain.MediaKind) error {
	_, err := p.pc.AddTransceiverFromKind(codecType(kind), pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return errors.Wrapf(err, "add %s transceiver", kind)
	}
	return nil
}

// AddLocalAudio acquires the local audio source and attaches it to a sender.
func (p *Peer) AddLocalAudio() error {
	track, err := newAudioTrack(p.audioSource)
	if err != nil {
		return err
	}

	sender, err := p.pc.AddTrack(track.local)
	if err != nil {
		track.Stop()
		return errors.Wrap(err, "add audio track")
	}

	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	p.mu.Lock()
	p.tracks = append(p.tracks, track)
	p.mu.Unlock()

	track.start()
	p.log.Infof("local audio track %s added", track.ID())
	return nil
}

// Transceivers implements domain.Peer.
func (p *Peer) Transceivers() []domain.Transceiver {
	var out []domain.Transceiver
	for _, t := range p.pc.GetTransceivers() {
		out = append(out, transceiver{t})
	}
	return out
}

// SenderTracks returns the local tracks attached to senders, in the order
// they were added. A stopped transceiver detaches its sender's track, so the
// peer's own list is reported rather than sender.Track().
func (p *Peer) SenderTracks() []domain.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.LocalTrack, 0, len(p.tracks))
	for _, t := range p.tracks {
		out = append(out, t)
	}
	return out
}

// SetOnTrack writes received H264 video to videoOut as Annex-B. Other
// tracks are drained. A nil videoOut drains everything.
func (p *Peer) SetOnTrack(videoOut io.Writer) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Infof("got track: kind=%s codec=%s pt=%d", track.Kind(), codec.MimeType, codec.PayloadType)

		if videoOut != nil && codec.MimeType == pion.MimeTypeH264 {
			go p.readVideoTrack(track, videoOut)
			return
		}
		go drain(track)
	})
}

func (p *Peer) readVideoTrack(track *pion.TrackRemote, w io.Writer) {
	writer := h264writer.NewWith(w)
	defer writer.Close()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.log.WithError(err).Info("video track ended")
			return
		}
		if err := writer.WriteRTP(pkt); err != nil {
			p.log.WithError(err).Warn("write video")
			return
		}
	}
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	p.mu.Lock()
	for _, t := range p.tracks {
		t.Stop()
	}
	p.mu.Unlock()
	return p.pc.Close()
}

func drain(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

type transceiver struct {
	t *pion.RTPTransceiver
}

func (t transceiver) Kind() domain.MediaKind {
	return domain.MediaKind(t.t.Kind().String())
}

func (t transceiver) Stop() error {
	return t.t.Stop()
}
