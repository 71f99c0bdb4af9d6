package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Huddle/internal/peer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TrackSource is implemented by media streams that carry pion local tracks.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewFactory builds a pion API with the default codecs and zerolog-backed
// internal logging.
func NewFactory(iceServers []string) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{api: api, config: cfg}, nil
}

func (f *Factory) NewTransport(mode peer.CandidateMode, hooks peer.TransportHooks) (peer.MediaTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, mode: mode, hooks: hooks}
	c.bind()
	return c, nil
}

// Connection adapts a pion PeerConnection to peer.MediaTransport.
type Connection struct {
	pc    *webrtc.PeerConnection
	mode  peer.CandidateMode
	hooks peer.TransportHooks

	connectedOnce sync.Once
	failedOnce    sync.Once
}

func (c *Connection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if cand == nil || c.mode != peer.Incremental || c.hooks.OnCandidate == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.rtc").Msg("marshal candidate")
			return
		}
		c.hooks.OnCandidate(raw)
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.hooks.OnConnected != nil {
				c.connectedOnce.Do(c.hooks.OnConnected)
			}
		case webrtc.PeerConnectionStateFailed:
			if c.hooks.OnFailed != nil {
				c.failedOnce.Do(c.hooks.OnFailed)
			}
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.hooks.OnTrack == nil {
			return
		}
		kind := peer.KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = peer.KindVideo
		}
		c.hooks.OnTrack(peer.RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: kind, Handle: track})
	})
}

func (c *Connection) AddStream(s peer.MediaStream) error {
	src, ok := s.(TrackSource)
	if !ok {
		return fmt.Errorf("stream %T carries no pion tracks", s)
	}
	for _, track := range src.Tracks() {
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps interceptors running; pion needs RTCP to be read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(ctx, offer)
}

func (c *Connection) CreateAnswer(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocal(ctx, answer)
}

// setLocal applies desc and returns the local description. In batched mode
// it waits for gathering so the returned SDP carries every candidate.
func (c *Connection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	var gatherComplete <-chan struct{}
	if c.mode == peer.Batched {
		gatherComplete = webrtc.GatheringCompletePromise(c.pc)
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	if gatherComplete != nil {
		select {
		case <-gatherComplete:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return json.Marshal(c.pc.LocalDescription())
}

func (c *Connection) SetAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *Connection) AddCandidate(raw json.RawMessage) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &ci); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) Close() error {
	return c.pc.Close()
}
