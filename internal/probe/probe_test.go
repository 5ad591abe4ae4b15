package probe

import (
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return s.err
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestStamp_FirstCallIsZero(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := New(&recordingSender{}, Options{Now: clock.Now})

	assert.Equal(t, int64(0), p.Stamp())
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, int64(1500), p.Stamp())
}

func TestHandleMessage_RTT(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var reported []float64
	p := New(&recordingSender{}, Options{
		Now:   clock.Now,
		OnRTT: func(ms float64) { reported = append(reported, ms) },
	})

	p.Stamp()
	clock.Advance(250 * time.Millisecond)

	rtt, ok := p.HandleMessage("pong 100")
	require.True(t, ok)
	assert.Equal(t, 150.0, rtt)
	assert.Equal(t, []float64{150}, reported)
}

func TestHandleMessage_MalformedPayloadIsNaN(t *testing.T) {
	var reported []float64
	p := New(&recordingSender{}, Options{OnRTT: func(ms float64) { reported = append(reported, ms) }})

	rtt, ok := p.HandleMessage("pong abc")
	require.True(t, ok)
	assert.True(t, math.IsNaN(rtt))
	require.Len(t, reported, 1)
	assert.True(t, math.IsNaN(reported[0]))
}

func TestHandleMessage_IgnoresOtherMessages(t *testing.T) {
	p := New(&recordingSender{}, Options{})

	_, ok := p.HandleMessage("ping 10")
	assert.False(t, ok)
	_, ok = p.HandleMessage("command: forward")
	assert.False(t, ok)
}

func TestTick_SendsStampedPing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sender := &recordingSender{}
	p := New(sender, Options{Now: clock.Now})

	require.NoError(t, p.Tick())
	clock.Advance(1000 * time.Millisecond)
	require.NoError(t, p.Tick())

	assert.Equal(t, []string{"ping 0", "ping 1000"}, sender.Sent())
	assert.Equal(t, clock.Now(), p.LastSent())
}

func TestTick_SendError(t *testing.T) {
	p := New(&recordingSender{err: errors.New("channel closed")}, Options{})
	assert.Error(t, p.Tick())
}

func TestStartStop(t *testing.T) {
	sender := &recordingSender{}
	p := New(sender, Options{Interval: 5 * time.Millisecond})

	p.Start()
	p.Start()
	require.Eventually(t, func() bool { return len(sender.Sent()) >= 2 }, time.Second, time.Millisecond)

	p.Stop()
	p.Stop()
	n := len(sender.Sent())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(sender.Sent()))

	for _, msg := range sender.Sent() {
		assert.True(t, strings.HasPrefix(msg, "ping "), msg)
	}
}
