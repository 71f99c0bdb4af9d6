package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Huddle/internal/peer"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrNoTracks = errors.New("no audio or video requested")

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrame = 20 * time.Millisecond

// SyntheticSource stands in for capture devices: audio is Opus silence,
// video is a VP8 track that stays idle until a real encoder writes to it.
type SyntheticSource struct {
	Audio bool
	Video bool
}

func (s SyntheticSource) Acquire(ctx context.Context) (peer.MediaStream, error) {
	if !s.Audio && !s.Video {
		return nil, ErrNoTracks
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "huddle-" + uuid.NewString()
	st := &Stream{}
	if s.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, err
		}
		st.audio = track
		st.audioOn.Store(true)
	}
	if s.Video {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, err
		}
		st.video = track
		st.videoOn.Store(true)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	if st.audio != nil {
		go st.pumpAudio(pumpCtx)
	}
	return st, nil
}

// Stream is one acquisition of local media.
type Stream struct {
	audio   *webrtc.TrackLocalStaticSample
	video   *webrtc.TrackLocalStaticSample
	audioOn atomic.Bool
	videoOn atomic.Bool

	cancel context.CancelFunc
	once   sync.Once
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *Stream) SetEnabled(kind peer.TrackKind, enabled bool) {
	switch kind {
	case peer.KindAudio:
		s.audioOn.Store(enabled)
	case peer.KindVideo:
		s.videoOn.Store(enabled)
	}
	log.Debug().Str("module", "adapters.rtc").Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
}

func (s *Stream) Enabled(kind peer.TrackKind) bool {
	if kind == peer.KindVideo {
		return s.videoOn.Load()
	}
	return s.audioOn.Load()
}

func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.audioOn.Store(false)
		s.videoOn.Store(false)
	})
}

func (s *Stream) pumpAudio(ctx context.Context) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Enabled(peer.KindAudio) {
				continue
			}
			if err := s.audio.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrame}); err != nil {
				log.Debug().Err(err).Str("module", "adapters.rtc").Msg("write audio sample")
			}
		}
	}
}
