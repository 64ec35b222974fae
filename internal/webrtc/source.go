package webrtc

import (
	"context"

	pion "github.com/pion/webrtc/v4"
)

// MediaSource supplies local tracks for the peer connection. Implementations
// return domain.ErrMediaAccessDenied when the device cannot be opened.
type MediaSource interface {
	Camera(ctx context.Context) (pion.TrackLocal, error)
	Microphone(ctx context.Context) (pion.TrackLocal, error)
	Screen(ctx context.Context) (pion.TrackLocal, error)
	Close() error
}

// SampleSource is a sample-fed media source. Callers push encoded frames into
// the tracks it hands out; headless deployments can leave them idle.
type SampleSource struct {
	camera *pion.TrackLocalStaticSample
	mic    *pion.TrackLocalStaticSample
	screen *pion.TrackLocalStaticSample
}

func NewSampleSource() *SampleSource {
	return &SampleSource{}
}

func (s *SampleSource) Camera(ctx context.Context) (pion.TrackLocal, error) {
	if s.camera == nil {
		track, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8},
			"video", "camera",
		)
		if err != nil {
			return nil, err
		}
		s.camera = track
	}
	return s.camera, nil
}

func (s *SampleSource) Microphone(ctx context.Context) (pion.TrackLocal, error) {
	if s.mic == nil {
		track, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus},
			"audio", "microphone",
		)
		if err != nil {
			return nil, err
		}
		s.mic = track
	}
	return s.mic, nil
}

func (s *SampleSource) Screen(ctx context.Context) (pion.TrackLocal, error) {
	if s.screen == nil {
		track, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8},
			"video", "screen",
		)
		if err != nil {
			return nil, err
		}
		s.screen = track
	}
	return s.screen, nil
}

// CameraTrack exposes the camera track for feeding samples.
func (s *SampleSource) CameraTrack() *pion.TrackLocalStaticSample { return s.camera }

// MicrophoneTrack exposes the microphone track for feeding samples.
func (s *SampleSource) MicrophoneTrack() *pion.TrackLocalStaticSample { return s.mic }

// ScreenTrack exposes the screen track for feeding samples.
func (s *SampleSource) ScreenTrack() *pion.TrackLocalStaticSample { return s.screen }

func (s *SampleSource) Close() error { return nil }
