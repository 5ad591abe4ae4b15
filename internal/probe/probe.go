// Package probe measures data channel round trip time with timestamped
// ping/pong messages.
package probe

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
	"robolink/native/internal/metrics"
)

// DefaultInterval is the probe period used when Options.Interval is zero.
const DefaultInterval = time.Second

// Sender delivers a text message on the data channel.
type Sender interface {
	SendText(text string) error
}

// Options configures a Prober.
type Options struct {
	Interval time.Duration
	// OnRTT receives every computed round trip in milliseconds, NaN included.
	OnRTT   func(ms float64)
	Metrics *metrics.Collector
	// Now defaults to time.Now. Stamps rely on its monotonic reading.
	Now func() time.Time
}

// Prober sends "ping <elapsed-ms>" periodically and turns "pong <elapsed-ms>"
// replies into round trip times. Replies carry no identifier beyond the
// echoed stamp, so overlapping probes are not told apart.
type Prober struct {
	sender   Sender
	interval time.Duration
	onRTT    func(float64)
	metrics  *metrics.Collector
	now      func() time.Time
	log      *logrus.Entry

	mu        sync.Mutex
	origin    time.Time
	hasOrigin bool
	lastSent  time.Time
	stop      chan struct{}
	done      chan struct{}
}

// New creates a stopped prober.
func New(sender Sender, opts Options) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Prober{
		sender:   sender,
		interval: opts.Interval,
		onRTT:    opts.OnRTT,
		metrics:  opts.Metrics,
		now:      opts.Now,
		log:      logging.For("probe"),
	}
}

// Stamp returns 0 on the first call and the milliseconds elapsed since that
// first call afterwards.
func (p *Prober) Stamp() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stampLocked()
}

func (p *Prober) stampLocked() int64 {
	now := p.now()
	if !p.hasOrigin {
		p.origin = now
		p.hasOrigin = true
		return 0
	}
	return now.Sub(p.origin).Milliseconds()
}

// LastSent returns the time of the most recent probe, zero if none was sent.
func (p *Prober) LastSent() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSent
}

// Start begins periodic probing. It is a no-op while already running.
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stop, p.done)
}

// Stop halts periodic probing and waits for the loop to exit. It is safe to
// call more than once.
func (p *Prober) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (p *Prober) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.Tick(); err != nil {
				p.log.WithError(err).Warn("send probe")
			}
		}
	}
}

// Tick sends a single probe.
func (p *Prober) Tick() error {
	p.mu.Lock()
	msg := domain.FormatPing(p.stampLocked())
	p.lastSent = p.now()
	p.mu.Unlock()

	p.log.Debugf("> %s", msg)
	p.metrics.Message("out")
	return p.sender.SendText(msg)
}

// HandleMessage inspects an incoming message. For a pong reply it returns the
// round trip in milliseconds and true. A malformed payload yields NaN, which
// is still reported.
func (p *Prober) HandleMessage(text string) (float64, bool) {
	if !strings.HasPrefix(text, domain.PongTag) {
		return 0, false
	}

	rtt := math.NaN()
	sent, err := strconv.ParseFloat(strings.TrimSpace(text[len(domain.PongTag):]), 64)
	if err == nil {
		rtt = float64(p.Stamp()) - sent
	}

	p.log.Debugf("RTT %v ms", rtt)
	p.metrics.ProbeRTT(rtt)
	if p.onRTT != nil {
		p.onRTT(rtt)
	}
	return rtt, true
}
