package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"robolink/native/internal/config"
	"robolink/native/internal/discovery"
	"robolink/native/internal/domain"
	"robolink/native/internal/logging"
	"robolink/native/internal/negotiation"
	"robolink/native/internal/session"
	sigclient "robolink/native/internal/signal"
	"robolink/native/internal/webrtc"
)

const helpText = `robolink - Connect to a robot over WebRTC

Usage:
  robolink [options]

Opens a peer connection to the robot's answering endpoint, measures the
round trip over a data channel and forwards operator commands typed on
stdin, one per line. Received H264 video can be written to a file or to
stdout.

Environment Variables:
  ROBOLINK_SIGNAL_URL              Answering endpoint, e.g. http://robot.local:8080
  ROBOLINK_SIGNAL_TRANSPORT        http (default) or ws
  ROBOLINK_DISCOVER                Browse mDNS when ROBOLINK_SIGNAL_URL is unset
  ROBOLINK_USE_STUN                Use a STUN server (default true)
  ROBOLINK_STUN_URL                STUN server (default stun:stun.l.google.com:19302)
  ROBOLINK_USE_DATACHANNEL         Open the "chat" data channel (default true)
  ROBOLINK_DATACHANNEL_PARAMETERS  JSON options, e.g. {"ordered": false}
  ROBOLINK_USE_AUDIO               Send local audio (default false)
  ROBOLINK_AUDIO_SOURCE            Ogg/Opus file for the local audio track
  ROBOLINK_USE_VIDEO               Receive video (default false)
  ROBOLINK_AUDIO_CODEC             Restrict the offer to one audio codec
  ROBOLINK_VIDEO_CODEC             Restrict the offer to one video codec
  ROBOLINK_VIDEO_RESOLUTION        Passed to the robot with the offer
  ROBOLINK_VIDEO_BUFFER            Passed to the robot with the offer
  ROBOLINK_VIDEO_FRAMERATE         Passed to the robot with the offer
  ROBOLINK_VIDEO_OUT               H264 output file, "-" for stdout
  ROBOLINK_PROBE_INTERVAL          Ping interval (default 1s)
  ROBOLINK_GATHER_TIMEOUT          Bound on ICE gathering (default none)
  ROBOLINK_LOG_LEVEL               trace, debug, info (default), warn, error
  ROBOLINK_LOG_FORMAT              text (default) or json
  ROBOLINK_DEBUG                   Log the offer and answer SDP

Examples:
  # Live playback
  ROBOLINK_USE_VIDEO=true ROBOLINK_VIDEO_OUT=- robolink | ffplay -f h264 -

  # Drive with commands
  echo forward | ROBOLINK_SIGNAL_URL=http://robot.local:8080 robolink

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		logrus.Fatal(err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.Fatal(err)
	}
	log := logging.For("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)
		cancel()
	}()

	endpoint, err := resolveEndpoint(ctx, cfg)
	if err != nil {
		log.Fatalf("resolve endpoint: %v", err)
	}
	signaler, err := sigclient.New(cfg.SignalTransport, endpoint)
	if err != nil {
		log.Fatalf("create signaler: %v", err)
	}

	api, err := webrtc.NewAPI(webrtc.APIOptions{LoggerFactory: logging.NewPionFactory()})
	if err != nil {
		log.Fatalf("create webrtc api: %v", err)
	}
	peer, err := webrtc.NewPeer(api, webrtc.Config{
		ICEServers:  cfg.ICEServers(),
		AudioSource: cfg.AudioSource,
	})
	if err != nil {
		log.Fatalf("create peer: %v", err)
	}

	videoOut, closeVideo, err := openVideoOut(cfg)
	if err != nil {
		log.Fatalf("open video output: %v", err)
	}
	defer closeVideo()
	peer.SetOnTrack(videoOut)

	mgr := session.New(peer, signaler, session.Options{
		UseDataChannel: cfg.UseDataChannel,
		ChannelParams:  cfg.ChannelParams,
		UseAudio:       cfg.UseAudio,
		UseVideo:       cfg.UseVideo,
		ProbeInterval:  cfg.ProbeInterval,
		Negotiation: negotiation.Options{
			AudioCodec:    cfg.AudioCodec,
			VideoCodec:    cfg.VideoCodec,
			Passthrough:   cfg.Passthrough,
			GatherTimeout: cfg.GatherTimeout,
			Debug:         cfg.Debug,
		},
		OnMessage: func(text string) {
			if !strings.HasPrefix(text, domain.PongTag) {
				log.Infof("< %s", text)
			}
		},
	})

	// Shutdown only discards a pending answer; the exchange itself runs on
	// its own context and is not cancelled.
	started := make(chan error, 1)
	go func() { started <- mgr.Start(context.Background()) }()

	select {
	case err := <-started:
		if err != nil {
			log.WithError(err).Error("session failed")
			mgr.Stop()
			closeVideo()
			os.Exit(1)
		}
	case <-ctx.Done():
		mgr.Stop()
		return
	}

	go readCommands(ctx, log, mgr, os.Stdin)

	<-ctx.Done()
	mgr.Stop()
	log.Info("done")
}

func resolveEndpoint(ctx context.Context, cfg *config.Client) (string, error) {
	if cfg.SignalURL != "" {
		return cfg.SignalURL, nil
	}

	browser, err := discovery.NewBrowser(nil, 0)
	if err != nil {
		return "", err
	}
	endpoint, err := browser.Browse(ctx)
	if err != nil {
		return "", err
	}
	if cfg.SignalTransport == "ws" {
		endpoint = "ws" + strings.TrimPrefix(endpoint, "http")
	}
	return endpoint, nil
}

func openVideoOut(cfg *config.Client) (io.Writer, func(), error) {
	noop := func() {}
	if !cfg.UseVideo || cfg.VideoOut == "" {
		return nil, noop, nil
	}
	if cfg.VideoOut == "-" {
		return os.Stdout, noop, nil
	}
	f, err := os.Create(cfg.VideoOut)
	if err != nil {
		return nil, noop, err
	}
	return f, func() { f.Close() }, nil
}

func readCommands(ctx context.Context, log *logrus.Entry, mgr *session.Manager, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := mgr.SendCommand(line); err != nil {
			log.WithError(err).Warn("send command")
		}
	}
}
