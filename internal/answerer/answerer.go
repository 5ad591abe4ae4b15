// Package answerer is the robot side of the link: it answers offers over
// HTTP or WebSocket, echoes probes and dispatches operator commands.
package answerer

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	pion "github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
	"robolink/native/internal/metrics"
	"robolink/native/internal/webrtc"
)

const (
	OfferPath     = "/offer"
	WebSocketPath = "/ws"
	MetricsPath   = "/metrics"
)

var ErrShutdown = errors.New("answerer is shut down")

// Options configures a Server.
type Options struct {
	// API builds the peer connections. Nil creates one with pion logs
	// routed through logrus.
	API        *pion.API
	ICEServers []string
	Commands   domain.CommandHandler
	Metrics    *metrics.Collector
	// Gatherer is served on MetricsPath when set.
	Gatherer prometheus.Gatherer
}

// Server owns the answering peer connections.
type Server struct {
	api      *pion.API
	opts     Options
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[string]*pion.PeerConnection
	closed bool
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	api := opts.API
	if api == nil {
		var err error
		api, err = webrtc.NewAPI(webrtc.APIOptions{LoggerFactory: logging.NewPionFactory()})
		if err != nil {
			return nil, err
		}
	}
	return &Server{
		api:  api,
		opts: opts,
		log:  logging.For("answerer"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[string]*pion.PeerConnection),
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(OfferPath, s.handleOffer)
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	if s.opts.Gatherer != nil {
		mux.Handle(MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Answer creates a peer connection for offer and returns the answer once
// ICE gathering has completed.
func (s *Server) Answer(ctx context.Context, offer domain.OfferRequest) (domain.SDPPayload, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.SDPPayload{}, ErrShutdown
	}

	pc, err := s.api.NewPeerConnection(pion.Configuration{
		ICEServers: webrtc.ICEServers(s.opts.ICEServers),
	})
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "create peer connection")
	}

	id := uuid.NewString()
	log := s.log.WithField("peer", id)
	if offer.VideoRes != "" || offer.VideoBuffer != "" || offer.VideoFPS != "" {
		log.Infof("video parameters: res=%s buffer=%s fps=%s", offer.VideoRes, offer.VideoBuffer, offer.VideoFPS)
	}
	s.watch(id, pc, log)

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		pc.Close()
		return domain.SDPPayload{}, errors.Wrap(err, "set remote description")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return domain.SDPPayload{}, errors.Wrap(err, "create answer")
	}

	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return domain.SDPPayload{}, errors.Wrap(err, "set local description")
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return domain.SDPPayload{}, errors.Wrap(ctx.Err(), "wait for ice gathering")
	}

	if !s.add(id, pc) {
		pc.Close()
		return domain.SDPPayload{}, ErrShutdown
	}
	log.Info("answer ready")

	local := pc.LocalDescription()
	return domain.SDPPayload{Type: local.Type.String(), SDP: local.SDP}, nil
}

// watch wires state logging, failure cleanup, data channels and tracks.
func (s *Server) watch(id string, pc *pion.PeerConnection, log *logrus.Entry) {
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Infof("ICE connection state: %s", state.String())
		if state == pion.ICEConnectionStateFailed {
			s.drop(id, pc)
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Infof("peer connection state: %s", state.String())
		switch state {
		case pion.PeerConnectionStateFailed:
			s.drop(id, pc)
		case pion.PeerConnectionStateClosed:
			s.remove(id)
		}
	})
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		log.Infof("data channel %q opened by remote", dc.Label())
		s.serveChannel(id, webrtc.WrapChannel(dc), log)
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		log.Infof("track %s (%s)", track.Kind(), track.Codec().MimeType)
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})
}

func (s *Server) serveChannel(peerID string, ch domain.DataChannel, log *logrus.Entry) {
	ch.OnMessage(func(text string) {
		s.opts.Metrics.Message("in")
		log.Debugf("< %s", text)

		if strings.HasPrefix(text, domain.PingTag) {
			if err := ch.SendText(domain.PongFor(text)); err != nil {
				log.WithError(err).Warn("send pong")
				return
			}
			s.opts.Metrics.Message("out")
			return
		}

		cmd, ok := domain.ParseCommand(text)
		if !ok {
			return
		}
		log.Infof("command: %s", cmd)
		s.opts.Metrics.Command()
		if s.opts.Commands != nil {
			s.opts.Commands.HandleCommand(peerID, cmd)
		}
	})
}

func (s *Server) add(id string, pc *pion.PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[id] = pc
	s.opts.Metrics.PeerAdded()
	return true
}

func (s *Server) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return false
	}
	delete(s.peers, id)
	s.opts.Metrics.PeerRemoved()
	return true
}

// drop closes a failed peer and forgets it.
func (s *Server) drop(id string, pc *pion.PeerConnection) {
	s.remove(id)
	go func() {
		if err := pc.Close(); err != nil {
			s.log.WithField("peer", id).WithError(err).Warn("close failed peer")
		}
	}()
}

// Peers returns the number of live peer connections.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown closes every peer connection. Later offers are refused.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]*pion.PeerConnection)
	s.mu.Unlock()

	for id, pc := range peers {
		s.opts.Metrics.PeerRemoved()
		if err := pc.Close(); err != nil {
			s.log.WithField("peer", id).WithError(err).Warn("close peer")
		}
	}
	s.log.Infof("closed %d peers", len(peers))
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer domain.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid offer: "+err.Error(), http.StatusBadRequest)
		return
	}
	if offer.Type != "" && offer.Type != "offer" {
		http.Error(w, "expected type offer, got "+offer.Type, http.StatusBadRequest)
		return
	}

	answer, err := s.Answer(r.Context(), offer)
	if err != nil {
		s.log.WithError(err).Warn("answer offer")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answer); err != nil {
		s.log.WithError(err).Warn("write answer")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()

	var msg domain.SignalMessage
	if err := conn.ReadJSON(&msg); err != nil {
		s.log.WithError(err).Warn("read offer")
		return
	}
	if msg.Method != domain.MethodOffer || msg.Offer == nil {
		s.replyError(conn, "expected OFFER, got "+msg.Method)
		return
	}

	answer, err := s.Answer(r.Context(), *msg.Offer)
	if err != nil {
		s.log.WithError(err).Warn("answer offer")
		s.replyError(conn, err.Error())
		return
	}
	if err := conn.WriteJSON(domain.SignalMessage{Method: domain.MethodAnswer, Answer: &answer}); err != nil {
		s.log.WithError(err).Warn("write answer")
	}
}

func (s *Server) replyError(conn *websocket.Conn, message string) {
	if err := conn.WriteJSON(domain.SignalMessage{Method: domain.MethodError, Message: message}); err != nil {
		s.log.WithError(err).Warn("write error")
	}
}

// LogCommands is a CommandHandler that logs every command.
type LogCommands struct{}

func (LogCommands) HandleCommand(peerID, command string) {
	logging.For("commands").WithField("peer", peerID).Infof("received %q", command)
}
