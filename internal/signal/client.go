package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
)

// WebSocketPath is the endpoint path used when the signal URL has none.
const WebSocketPath = "/ws"

// WSSignaler performs the exchange as one OFFER/ANSWER message pair over a
// short-lived WebSocket connection.
type WSSignaler struct {
	endpoint string
	dialer   *websocket.Dialer
	timeout  time.Duration
	log      *logrus.Entry
}

// NewWSSignaler creates a WebSocket signaler for endpoint (ws:// or wss://).
func NewWSSignaler(endpoint string) (*WSSignaler, error) {
	u, err := EndpointURL(endpoint, WebSocketPath)
	if err != nil {
		return nil, err
	}
	return &WSSignaler{
		endpoint: u,
		dialer:   websocket.DefaultDialer,
		timeout:  DefaultTimeout,
		log:      logging.For("signal").WithField("transport", "ws"),
	}, nil
}

// Exchange implements domain.Signaler.
func (c *WSSignaler) Exchange(ctx context.Context, offer domain.OfferRequest) (domain.SDPPayload, error) {
	c.log.Infof("connecting to %s", c.endpoint)

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "websocket dial")
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(domain.SignalMessage{Method: domain.MethodOffer, Offer: &offer}); err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "write offer")
	}
	c.log.Debug(">>> OFFER")

	for {
		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return domain.SDPPayload{}, errors.Wrap(err, "read answer")
		}
		c.log.Debugf("<<< %s", msg.Method)

		switch msg.Method {
		case domain.MethodAnswer:
			if msg.Answer == nil {
				return domain.SDPPayload{}, errors.New("answer message without payload")
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return *msg.Answer, nil
		case domain.MethodError:
			return domain.SDPPayload{}, errors.Errorf("remote error: %s", msg.Message)
		default:
			c.log.Warnf("unhandled method: %s", msg.Method)
		}
	}
}

// New returns the signaler for transport ("http" or "ws").
func New(transport, endpoint string) (domain.Signaler, error) {
	switch transport {
	case "", "http":
		s, err := NewHTTPSignaler(endpoint, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "ws":
		s, err := NewWSSignaler(endpoint)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown signal transport %q", transport)
	}
}
