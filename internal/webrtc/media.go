package webrtc

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pkg/errors"

	"robolink/native/internal/logging"
)

const oggPageDuration = 20 * time.Millisecond

// audioTrack is a local Opus track optionally fed from an Ogg file.
type audioTrack struct {
	local  *pion.TrackLocalStaticSample
	file   *os.File
	reader *oggreader.OggReader

	stopOnce sync.Once
	stop     chan struct{}
}

func newAudioTrack(source string) (*audioTrack, error) {
	local, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString()[:8], "robolink",
	)
	if err != nil {
		return nil, errors.Wrap(err, "create audio track")
	}

	t := &audioTrack{local: local, stop: make(chan struct{})}
	if source == "" {
		return t, nil
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, errors.Wrap(err, "open audio source")
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read ogg header of %s", source)
	}
	t.file = f
	t.reader = reader
	return t, nil
}

func (t *audioTrack) ID() string {
	return t.local.ID()
}

// Stop ends the feed and releases the source file.
func (t *audioTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.file != nil {
			t.file.Close()
		}
	})
}

func (t *audioTrack) start() {
	if t.reader == nil {
		return
	}
	go t.feed()
}

// feed writes one Ogg page per tick, timed by the granule position delta.
func (t *audioTrack) feed() {
	log := logging.For("media").WithField("track", t.ID())

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		page, header, err := t.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			log.Info("audio source finished")
			return
		}
		if err != nil {
			select {
			case <-t.stop:
			default:
				log.WithError(err).Warn("read ogg page")
			}
			return
		}

		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond

		if err := t.local.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			log.WithError(err).Warn("write audio sample")
			return
		}
	}
}
