// Package session owns the lifecycle of one client peer connection: setup,
// negotiation, the liveness prober and ordered teardown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
	"robolink/native/internal/metrics"
	"robolink/native/internal/negotiation"
	"robolink/native/internal/probe"
)

// DefaultGrace is the delay between stopping media and closing the peer
// connection, leaving time for final frames and messages to flush.
const DefaultGrace = 500 * time.Millisecond

var (
	ErrMediaAcquisition = errors.New("could not acquire media")
	ErrNoChannel        = errors.New("no data channel available")
)

// Options configures a Manager.
type Options struct {
	UseDataChannel bool
	ChannelParams  domain.DataChannelParams
	UseAudio       bool
	UseVideo       bool
	ProbeInterval  time.Duration
	Grace          time.Duration
	Negotiation    negotiation.Options
	Metrics        *metrics.Collector
	// OnRTT receives each probe round trip in milliseconds.
	OnRTT func(ms float64)
	// OnMessage receives every inbound data channel message.
	OnMessage func(text string)
}

// Manager creates and tears down one session.
type Manager struct {
	peer     domain.Peer
	signaler domain.Signaler
	opts     Options
	log      *logrus.Entry
	sleep    func(time.Duration)

	mu      sync.Mutex
	session *negotiation.Session
	channel domain.DataChannel
	prober  *probe.Prober
	stopped bool
}

// New creates a Manager for peer.
func New(peer domain.Peer, signaler domain.Signaler, opts Options) *Manager {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Negotiation.Metrics == nil {
		opts.Negotiation.Metrics = opts.Metrics
	}
	return &Manager{
		peer:     peer,
		signaler: signaler,
		opts:     opts,
		log:      logging.For("session"),
		sleep:    time.Sleep,
	}
}

// Start sets up the data channel and media, then negotiates. It returns once
// the answer is applied or negotiation fails.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.UseDataChannel {
		dc, err := m.peer.CreateDataChannel(domain.DefaultChannelLabel, m.opts.ChannelParams)
		if err != nil {
			return &negotiation.Error{Op: "create data channel", Kind: negotiation.ErrTransport, Err: err}
		}
		m.attachChannel(dc)
	}

	if m.opts.UseVideo {
		if err := m.peer.AddRecvonly(domain.KindVideo); err != nil {
			return &negotiation.Error{Op: "add video transceiver", Kind: negotiation.ErrTransport, Err: err}
		}
	}

	if m.opts.UseAudio {
		if err := m.peer.AddLocalAudio(); err != nil {
			return &negotiation.Error{Op: "acquire media", Kind: ErrMediaAcquisition, Err: err}
		}
	} else if err := m.peer.AddRecvonly(domain.KindAudio); err != nil {
		return &negotiation.Error{Op: "add audio transceiver", Kind: negotiation.ErrTransport, Err: err}
	}

	s := negotiation.New(m.peer, m.signaler, m.opts.Negotiation)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return &negotiation.Error{Op: "start", Kind: negotiation.ErrSessionClosed}
	}
	m.session = s
	m.mu.Unlock()

	m.log.WithField("session", s.ID()).Info("negotiating")
	if err := s.Negotiate(ctx); err != nil {
		return err
	}
	m.log.WithField("session", s.ID()).Info("connected")
	return nil
}

func (m *Manager) attachChannel(dc domain.DataChannel) {
	p := probe.New(dc, probe.Options{
		Interval: m.opts.ProbeInterval,
		OnRTT:    m.opts.OnRTT,
		Metrics:  m.opts.Metrics,
	})

	m.mu.Lock()
	m.channel = dc
	m.prober = p
	m.mu.Unlock()

	log := m.log.WithField("channel", dc.Label())
	dc.OnOpen(func() {
		log.Info("data channel open")
		p.Start()
	})
	dc.OnClose(func() {
		p.Stop()
		log.Info("data channel closed")
	})
	dc.OnMessage(func(text string) {
		m.opts.Metrics.Message("in")
		log.Debugf("< %s", text)
		if rtt, ok := p.HandleMessage(text); ok {
			log.Infof("RTT %v ms", rtt)
		}
		if m.opts.OnMessage != nil {
			m.opts.OnMessage(text)
		}
	})
}

// SendCommand sends "command: <text>" on the data channel.
func (m *Manager) SendCommand(text string) error {
	m.mu.Lock()
	dc := m.channel
	m.mu.Unlock()

	if dc == nil {
		return ErrNoChannel
	}
	msg := domain.FormatCommand(text)
	m.log.Infof("> %s", msg)
	m.opts.Metrics.Message("out")
	return errors.Wrap(dc.SendText(msg), "send command")
}

// Session returns the negotiation session, nil before Start.
func (m *Manager) Session() *negotiation.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Stop tears the session down: data channel (and with it the prober),
// transceivers, local tracks, then after the grace delay the peer
// connection. Failures are logged, never returned. Only the first call acts.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	s, dc, p := m.session, m.channel, m.prober
	m.mu.Unlock()

	m.log.Info("stopping")
	if s != nil {
		s.Close()
	}

	if dc != nil {
		p.Stop()
		if err := dc.Close(); err != nil {
			m.log.WithError(err).Warn("close data channel")
		}
	}

	// Stopping a transceiver detaches its sender's track, so collect the
	// tracks first.
	tracks := m.peer.SenderTracks()

	for _, t := range m.peer.Transceivers() {
		stopper, ok := t.(interface{ Stop() error })
		if !ok {
			continue
		}
		if err := stopper.Stop(); err != nil {
			m.log.WithError(err).Warnf("stop %s transceiver", t.Kind())
		}
	}

	for _, track := range tracks {
		track.Stop()
	}

	m.sleep(m.opts.Grace)
	if err := m.peer.Close(); err != nil {
		m.log.WithError(err).Warn("close peer connection")
	}
	m.log.Info("stopped")
}
