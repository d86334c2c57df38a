package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/verso-app/livecast/internal/domain"
)

// Constraints selects which device kinds to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Media is an open set of local capture tracks. It is exclusively
// owned: the holder must Close it before re-acquiring.
type Media interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Source opens local capture devices. The real device stack lives
// outside this module; implementations adapt it to pion local tracks.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Media, error)
}

// StaticSource produces pion static sample tracks fed by an external
// pump (test signal, ingest pipe). It fills the Source role where no
// physical device stack is present.
type StaticSource struct{}

// NewStaticSource creates a StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// Acquire creates local tracks for the requested kinds.
func (s *StaticSource) Acquire(_ context.Context, c Constraints) (Media, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no device kinds requested", domain.ErrDeviceAccess)
	}

	streamID := uuid.New().String()
	var tracks []webrtc.TrackLocal

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceAccess, err)
		}
		tracks = append(tracks, track)
	}

	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDeviceAccess, err)
		}
		tracks = append(tracks, track)
	}

	return &staticMedia{tracks: tracks}, nil
}

type staticMedia struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	closed bool
}

func (m *staticMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]webrtc.TrackLocal, len(m.tracks))
	copy(out, m.tracks)
	return out
}

func (m *staticMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.tracks = nil
	return nil
}
