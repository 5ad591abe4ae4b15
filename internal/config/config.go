package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"robolink/native/internal/domain"
)

const (
	DefaultSTUN      = "stun:stun.l.google.com:19302"
	DefaultCodec     = "default"
	DefaultListen    = ":8080"
	DefaultInstance  = "robolink"
	DefaultTransport = "http"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Client holds the client configuration.
type Client struct {
	SignalURL       string
	SignalTransport string
	Discover        bool

	UseSTUN bool
	STUNURL string

	UseDataChannel bool
	ChannelParams  domain.DataChannelParams

	UseAudio    bool
	AudioSource string
	UseVideo    bool
	AudioCodec  string
	VideoCodec  string
	Passthrough domain.Passthrough
	VideoOut    string

	ProbeInterval time.Duration
	GatherTimeout time.Duration

	LogLevel  string
	LogFormat string
	Debug     bool
}

// ICEServers returns the configured STUN URL, or none when STUN is off.
func (c *Client) ICEServers() []string {
	if !c.UseSTUN || c.STUNURL == "" {
		return nil
	}
	return []string{c.STUNURL}
}

// Answerer holds the answering endpoint configuration.
type Answerer struct {
	Listen    string
	Advertise bool
	Instance  string
	LogLevel  string
	LogFormat string
}

// LoadClient reads configuration from a .env file (if present) and
// environment variables. Environment variables take precedence over .env
// values.
func LoadClient() (*Client, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	e := &env{}
	c := &Client{
		SignalURL:       os.Getenv("ROBOLINK_SIGNAL_URL"),
		SignalTransport: e.str("ROBOLINK_SIGNAL_TRANSPORT", DefaultTransport),
		Discover:        e.bool("ROBOLINK_DISCOVER", false),
		UseSTUN:         e.bool("ROBOLINK_USE_STUN", true),
		STUNURL:         e.str("ROBOLINK_STUN_URL", DefaultSTUN),
		UseDataChannel:  e.bool("ROBOLINK_USE_DATACHANNEL", true),
		UseAudio:        e.bool("ROBOLINK_USE_AUDIO", false),
		AudioSource:     os.Getenv("ROBOLINK_AUDIO_SOURCE"),
		UseVideo:        e.bool("ROBOLINK_USE_VIDEO", false),
		AudioCodec:      e.str("ROBOLINK_AUDIO_CODEC", DefaultCodec),
		VideoCodec:      e.str("ROBOLINK_VIDEO_CODEC", DefaultCodec),
		Passthrough: domain.Passthrough{
			VideoResolution: os.Getenv("ROBOLINK_VIDEO_RESOLUTION"),
			VideoBuffer:     os.Getenv("ROBOLINK_VIDEO_BUFFER"),
			VideoFramerate:  os.Getenv("ROBOLINK_VIDEO_FRAMERATE"),
		},
		VideoOut:      os.Getenv("ROBOLINK_VIDEO_OUT"),
		ProbeInterval: e.duration("ROBOLINK_PROBE_INTERVAL", time.Second),
		GatherTimeout: e.duration("ROBOLINK_GATHER_TIMEOUT", 0),
		LogLevel:      e.str("ROBOLINK_LOG_LEVEL", DefaultLogLevel),
		LogFormat:     e.str("ROBOLINK_LOG_FORMAT", DefaultLogFormat),
		Debug:         e.bool("ROBOLINK_DEBUG", false),
	}
	if raw := strings.TrimSpace(os.Getenv("ROBOLINK_DATACHANNEL_PARAMETERS")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.ChannelParams); err != nil {
			e.fail(errors.Wrap(err, "ROBOLINK_DATACHANNEL_PARAMETERS"))
		}
	}
	if e.err != nil {
		return nil, e.err
	}

	if c.SignalURL == "" && !c.Discover {
		return nil, errors.New("ROBOLINK_SIGNAL_URL environment variable is required")
	}
	switch c.SignalTransport {
	case "http", "ws":
	default:
		return nil, errors.Errorf("ROBOLINK_SIGNAL_TRANSPORT must be http or ws, got %q", c.SignalTransport)
	}
	return c, nil
}

// LoadAnswerer reads the answering endpoint configuration.
func LoadAnswerer() (*Answerer, error) {
	_ = godotenv.Load()

	e := &env{}
	a := &Answerer{
		Listen:    e.str("ROBOLINK_LISTEN", DefaultListen),
		Advertise: e.bool("ROBOLINK_ADVERTISE", false),
		Instance:  e.str("ROBOLINK_INSTANCE", DefaultInstance),
		LogLevel:  e.str("ROBOLINK_LOG_LEVEL", DefaultLogLevel),
		LogFormat: e.str("ROBOLINK_LOG_FORMAT", DefaultLogFormat),
	}
	if e.err != nil {
		return nil, e.err
	}
	return a, nil
}

// env reads typed variables and keeps the first parse error.
type env struct {
	err error
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(errors.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(errors.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
