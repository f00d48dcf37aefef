//go:build linux && cgo

package call

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceMediaProvider captures camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux).
type DeviceMediaProvider struct{}

// NewDeviceMediaProvider returns the platform media provider.
func NewDeviceMediaProvider() *DeviceMediaProvider { return &DeviceMediaProvider{} }

// GetUserMedia opens local capture with VP8+Opus encoding. mediadevices
// fails as a unit if any requested track can't be opened, so this degrades
// through video+audio, video-only and audio-only before giving up.
func (p *DeviceMediaProvider) GetUserMedia(audio, video bool) (MediaStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("MEDIA: no capture devices found")
	}
	for _, d := range devices {
		log.Debugf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{video, audio, "video+audio"},
		{video, false, "video-only"},
		{false, audio, "audio-only"},
	}

	var lastErr error
	tried := map[string]bool{}
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}
		key := fmt.Sprintf("%v/%v", a.video, a.audio)
		if tried[key] {
			continue
		}
		tried[key] = true
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node with
				// malformed frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Higher resolutions raise VP8 encoding latency.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("MEDIA: GetUserMedia (%s): %v", a.label, err)
			lastErr = err
			continue
		}
		log.Infof("MEDIA: captured %s, %d tracks", a.label, len(stream.GetTracks()))
		return newDeviceStream(stream, selector), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no media requested")
	}
	return nil, lastErr
}

// deviceStream adapts a mediadevices stream. It also exposes the pion
// tracks and codec selector so the peer engine can feed them straight into
// a PeerConnection.
type deviceStream struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
	tracks   []*deviceTrack
}

func newDeviceStream(stream mediadevices.MediaStream, selector *mediadevices.CodecSelector) *deviceStream {
	ds := &deviceStream{stream: stream, selector: selector}
	for _, t := range stream.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Debugf("MEDIA: track ended: %v", err)
			}
		})
		ds.tracks = append(ds.tracks, &deviceTrack{track: track, enabled: true})
	}
	return ds
}

func (s *deviceStream) Tracks() []MediaTrack {
	out := make([]MediaTrack, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *deviceStream) Close() error {
	for _, t := range s.tracks {
		t.Close()
	}
	return nil
}

func (s *deviceStream) RTPTracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.track)
	}
	return out
}

func (s *deviceStream) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

type deviceTrack struct {
	track   mediadevices.Track
	enabled bool
}

func (t *deviceTrack) Kind() string { return t.track.Kind().String() }

// SetEnabled gates the track locally. mediadevices keeps capturing; the
// flag is what mute/video-off state reads back.
func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *deviceTrack) Enabled() bool           { return t.enabled }
func (t *deviceTrack) Close() error            { return t.track.Close() }
