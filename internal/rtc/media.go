package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pmoura/chirp/internal/call"
	"go.uber.org/zap"
)

// ErrNoVideoSource is returned by GetUserMedia when a video call is placed
// but no camera source is configured.
var ErrNoVideoSource = errors.New("no video source configured")

const (
	audioFrameDuration = 20 * time.Millisecond
	opusSampleRate     = 48000
)

// opusSilence is a single 20ms silent opus frame, sent while the microphone
// source is absent so the audio track keeps flowing.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// MediaOptions selects local capture sources. File-backed sources loop
// forever, which stands in for live capture on headless hosts.
type MediaOptions struct {
	// AudioPath is an Ogg file carrying opus, used as the microphone input.
	// Empty means send silence.
	AudioPath string
	// VideoPath is an IVF file carrying VP8, used as the camera input.
	// Empty means video calls fail with ErrNoVideoSource.
	VideoPath string
}

// Devices implements media acquisition over sample-based local tracks.
type Devices struct {
	opts   MediaOptions
	logger *zap.Logger
}

// NewDevices creates the local media source.
func NewDevices(opts MediaOptions, logger *zap.Logger) *Devices {
	return &Devices{opts: opts, logger: logger}
}

// GetUserMedia acquires the requested local tracks and starts their sample
// pumps. The stream owns the sources; Stop releases everything.
func (d *Devices) GetUserMedia(_ context.Context, audio, video bool) (call.MediaStream, error) {
	var tracks []*Track

	fail := func(err error) (call.MediaStream, error) {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}

	if audio {
		src, err := d.audioSource()
		if err != nil {
			return fail(fmt.Errorf("open audio source: %w", err))
		}
		t, err := newTrack("audio", webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, src, d.logger)
		if err != nil {
			src.Close()
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	if video {
		if d.opts.VideoPath == "" {
			return fail(ErrNoVideoSource)
		}
		src, err := newIVFSource(d.opts.VideoPath)
		if err != nil {
			return fail(fmt.Errorf("open video source: %w", err))
		}
		t, err := newTrack("video", webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, src, d.logger)
		if err != nil {
			src.Close()
			return fail(err)
		}
		tracks = append(tracks, t)
	}

	return &Stream{tracks: tracks}, nil
}

func (d *Devices) audioSource() (sampleSource, error) {
	if d.opts.AudioPath == "" {
		return silenceSource{}, nil
	}
	return newOggSource(d.opts.AudioPath)
}

// Stream is a set of running local tracks.
type Stream struct {
	tracks []*Track
}

func (s *Stream) Tracks() []call.MediaTrack {
	out := make([]call.MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// sampleSource yields encoded media samples at their natural pace. The pump
// sleeps each sample's Duration between writes.
type sampleSource interface {
	Next() (media.Sample, error)
	Close() error
}

// Track is a local sample-fed track. SetEnabled(false) keeps the pump
// running but drops samples, so unmuting never renegotiates.
type Track struct {
	kind    string
	local   *webrtc.TrackLocalStaticSample
	src     sampleSource
	logger  *zap.Logger
	enabled atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newTrack(kind string, codec webrtc.RTPCodecCapability, src sampleSource, logger *zap.Logger) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, kind, "chirp")
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &Track{
		kind:   kind,
		local:  local,
		src:    src,
		logger: logger,
		stop:   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *Track) Kind() string       { return t.kind }
func (t *Track) Enabled() bool      { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *Track) Stop() {
	t.once.Do(func() {
		close(t.stop)
		if err := t.src.Close(); err != nil {
			t.logger.Warn("close media source failed", zap.String("kind", t.kind), zap.Error(err))
		}
	})
}

func (t *Track) pump() {
	for {
		select {
		case <-t.stop:
			return
		default:
		}
		sample, err := t.src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("media source failed", zap.String("kind", t.kind), zap.Error(err))
			}
			return
		}
		if t.enabled.Load() {
			if err := t.local.WriteSample(sample); err != nil {
				t.logger.Warn("write sample failed", zap.String("kind", t.kind), zap.Error(err))
				return
			}
		}
		select {
		case <-t.stop:
			return
		case <-time.After(sample.Duration):
		}
	}
}

// silenceSource emits 20ms opus silence frames forever.
type silenceSource struct{}

func (silenceSource) Next() (media.Sample, error) {
	return media.Sample{Data: opusSilence, Duration: audioFrameDuration}, nil
}

func (silenceSource) Close() error { return nil }

// oggSource loops an Ogg opus file as the microphone. Sample durations come
// from the granule positions, matching the file's real pacing.
type oggSource struct {
	path        string
	file        *os.File
	ogg         *oggreader.OggReader
	lastGranule uint64
}

func newOggSource(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.ogg = ogg
	s.lastGranule = 0
	return nil
}

func (s *oggSource) Next() (media.Sample, error) {
	data, header, err := s.ogg.ParseNextPage()
	if errors.Is(err, io.EOF) {
		s.file.Close()
		if err := s.open(); err != nil {
			return media.Sample{}, err
		}
		data, header, err = s.ogg.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}
	samples := header.GranulePosition - s.lastGranule
	s.lastGranule = header.GranulePosition
	duration := time.Duration(samples) * time.Second / opusSampleRate
	if duration <= 0 {
		duration = audioFrameDuration
	}
	return media.Sample{Data: data, Duration: duration}, nil
}

func (s *oggSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// ivfSource loops an IVF VP8 file as the camera. The frame interval comes
// from the IVF header timebase.
type ivfSource struct {
	path     string
	file     *os.File
	ivf      *ivfreader.IVFReader
	interval time.Duration
}

func newIVFSource(path string) (*ivfSource, error) {
	s := &ivfSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.ivf = ivf
	s.interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if s.interval <= 0 {
		s.interval = 33 * time.Millisecond
	}
	return nil
}

func (s *ivfSource) Next() (media.Sample, error) {
	frame, _, err := s.ivf.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		s.file.Close()
		if err := s.open(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.ivf.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.interval}, nil
}

func (s *ivfSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
