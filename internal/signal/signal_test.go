package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robolink/native/internal/domain"
)

var testOffer = domain.OfferRequest{
	SDP:         "v=0\r\n",
	Type:        "offer",
	VideoRes:    "640x480",
	VideoBuffer: "1M",
	VideoFPS:    "30",
}

func TestHTTPSignaler_Exchange(t *testing.T) {
	gotCh := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/offer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		gotCh <- got
		_ = json.NewEncoder(w).Encode(domain.SDPPayload{Type: "answer", SDP: "v=0\r\nanswer"})
	}))
	defer srv.Close()

	s, err := NewHTTPSignaler(srv.URL, srv.Client())
	require.NoError(t, err)

	answer, err := s.Exchange(context.Background(), testOffer)
	require.NoError(t, err)
	assert.Equal(t, domain.SDPPayload{Type: "answer", SDP: "v=0\r\nanswer"}, answer)
	assert.Equal(t, map[string]string{
		"sdp":          "v=0\r\n",
		"type":         "offer",
		"video_res":    "640x480",
		"video_buffer": "1M",
		"video_fps":    "30",
	}, <-gotCh)
}

func TestHTTPSignaler_NonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewHTTPSignaler(srv.URL+"/offer", srv.Client())
	require.NoError(t, err)

	_, err = s.Exchange(context.Background(), testOffer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 503")
}

func TestHTTPSignaler_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	s, err := NewHTTPSignaler(srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = s.Exchange(context.Background(), testOffer)
	assert.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("http://robot.local:8080", OfferPath)
	require.NoError(t, err)
	assert.Equal(t, "http://robot.local:8080/offer", u)

	u, err = EndpointURL("http://robot.local:8080/rtc/offer", OfferPath)
	require.NoError(t, err)
	assert.Equal(t, "http://robot.local:8080/rtc/offer", u)

	_, err = EndpointURL("robot.local", OfferPath)
	assert.Error(t, err)
}

func wsServer(t *testing.T, reply func(domain.SignalMessage) []domain.SignalMessage) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg domain.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		for _, out := range reply(msg) {
			_ = conn.WriteJSON(out)
		}
	}))
}

func TestWSSignaler_Exchange(t *testing.T) {
	gotCh := make(chan domain.SignalMessage, 1)
	srv := wsServer(t, func(msg domain.SignalMessage) []domain.SignalMessage {
		gotCh <- msg
		return []domain.SignalMessage{
			{Method: "NOTICE"},
			{Method: domain.MethodAnswer, Answer: &domain.SDPPayload{Type: "answer", SDP: "v=0\r\n"}},
		}
	})
	defer srv.Close()

	s, err := NewWSSignaler("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	answer, err := s.Exchange(context.Background(), testOffer)
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	got := <-gotCh
	assert.Equal(t, domain.MethodOffer, got.Method)
	require.NotNil(t, got.Offer)
	assert.Equal(t, testOffer, *got.Offer)
}

func TestWSSignaler_RemoteError(t *testing.T) {
	srv := wsServer(t, func(domain.SignalMessage) []domain.SignalMessage {
		return []domain.SignalMessage{{Method: domain.MethodError, Message: "bad offer"}}
	})
	defer srv.Close()

	s, err := NewWSSignaler("ws" + strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	_, err = s.Exchange(context.Background(), testOffer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad offer")
}

func TestNew(t *testing.T) {
	s, err := New("http", "http://robot:8080")
	require.NoError(t, err)
	assert.IsType(t, &HTTPSignaler{}, s)

	s, err = New("ws", "ws://robot:8080")
	require.NoError(t, err)
	assert.IsType(t, &WSSignaler{}, s)

	_, err = New("carrier-pigeon", "http://robot:8080")
	assert.Error(t, err)
}
