package webrtc

import (
	pion "github.com/pion/webrtc/v4"
)

// Channel adapts a pion DataChannel to domain.DataChannel.
type Channel struct {
	dc *pion.DataChannel
}

// WrapChannel wraps dc.
func WrapChannel(dc *pion.DataChannel) *Channel {
	return &Channel{dc: dc}
}

func (c *Channel) Label() string {
	return c.dc.Label()
}

func (c *Channel) SendText(text string) error {
	return c.dc.SendText(text)
}

func (c *Channel) OnOpen(fn func()) {
	c.dc.OnOpen(fn)
}

func (c *Channel) OnClose(fn func()) {
	c.dc.OnClose(fn)
}

// OnMessage delivers text messages. Binary messages are ignored.
func (c *Channel) OnMessage(fn func(text string)) {
	c.dc.OnMessage(func(msg pion.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		fn(string(msg.Data))
	})
}

func (c *Channel) Close() error {
	return c.dc.Close()
}
