// Package signal implements the offer/answer exchange with the answering
// endpoint over HTTP or WebSocket.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
)

// OfferPath is the endpoint path used when the signal URL has none.
const OfferPath = "/offer"

// DefaultTimeout bounds one HTTP exchange.
const DefaultTimeout = 30 * time.Second

// HTTPSignaler posts the offer as JSON and decodes the answer from the response.
type HTTPSignaler struct {
	endpoint string
	client   *http.Client
	log      *logrus.Entry
}

// NewHTTPSignaler creates a signaler for endpoint. A nil client gets one
// with DefaultTimeout.
func NewHTTPSignaler(endpoint string, client *http.Client) (*HTTPSignaler, error) {
	u, err := EndpointURL(endpoint, OfferPath)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSignaler{
		endpoint: u,
		client:   client,
		log:      logging.For("signal").WithField("transport", "http"),
	}, nil
}

// Exchange implements domain.Signaler.
func (c *HTTPSignaler) Exchange(ctx context.Context, offer domain.OfferRequest) (domain.SDPPayload, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "marshal offer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "create http request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Infof("posting offer to %s", c.endpoint)
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "http request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.SDPPayload{}, errors.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var answer domain.SDPPayload
	if err := json.Unmarshal(respBody, &answer); err != nil {
		return domain.SDPPayload{}, errors.Wrap(err, "unmarshal answer")
	}

	c.log.Infof("received %s", answer.Type)
	return answer, nil
}

// EndpointURL validates raw and fills in defaultPath when it has no path.
func EndpointURL(raw, defaultPath string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse signal url %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.Errorf("signal url %q needs a scheme and host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultPath
	}
	return u.String(), nil
}
