package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/Huddle/internal/adapters/rtc"
	"github.com/dkeye/Huddle/internal/client"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer"
)

func newRootCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:   "huddle-peer <room>",
		Short: "Join a Huddle room and hold WebRTC calls with every member",
		Long: `huddle-peer connects to a Huddle broker, joins a room and negotiates a
peer-to-peer media link with each other member. Audio is synthetic silence,
which is enough to exercise signaling and ICE end to end.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runPeer(ctx, cfg.Client, domain.RoomID(args[0]))
		},
	}

	flags := cmd.Flags()
	flags.String("server", v.GetString("client.server_url"), "broker websocket URL")
	flags.String("token", "", "bearer token for brokers with JWT auth")
	flags.String("candidates", v.GetString("client.candidate_mode"), "candidate exchange: batched or incremental")
	flags.Duration("candidate-ttl", v.GetDuration("client.candidate_ttl"), "how long early candidates are buffered")
	flags.StringSlice("ice", v.GetStringSlice("client.ice_servers"), "ICE server URLs")
	flags.Bool("audio", v.GetBool("client.audio"), "send an audio track")
	flags.Bool("video", v.GetBool("client.video"), "send a video track")
	flags.String("log-level", v.GetString("log_level"), "log level")
	bindFlags(v, flags)
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	keys := map[string]string{
		"server":        "client.server_url",
		"token":         "client.token",
		"candidates":    "client.candidate_mode",
		"candidate-ttl": "client.candidate_ttl",
		"ice":           "client.ice_servers",
		"audio":         "client.audio",
		"video":         "client.video",
		"log-level":     "log_level",
	}
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", flag, err))
		}
	}
}

func runPeer(ctx context.Context, cc config.ClientConfig, room domain.RoomID) error {
	mode, err := peer.ParseCandidateMode(cc.CandidateMode)
	if err != nil {
		return err
	}
	factory, err := rtc.NewFactory(cc.ICEServers)
	if err != nil {
		return err
	}

	sess, err := client.Connect(ctx, cc.ServerURL, cc.Token, peer.Config{
		Mode:         mode,
		CandidateTTL: cc.CandidateTTL,
		Media:        rtc.SyntheticSource{Audio: cc.Audio, Video: cc.Video},
		Transports:   factory,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	if err := sess.Join(room); err != nil {
		return err
	}
	log.Info().Str("room", string(room)).Str("mode", mode.String()).Msg("joined, waiting for peers")

	for {
		select {
		case <-ctx.Done():
			_ = sess.Leave()
			return nil
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case ev := <-sess.Manager.Events():
			logEvent(sess.Manager.Room(), ev)
		}
	}
}

func logEvent(room domain.RoomID, ev peer.Event) {
	switch ev.Kind {
	case peer.EventLinkConnected:
		log.Info().Str("room", string(room)).Str("remote", string(ev.Remote)).Msg("call connected")
	case peer.EventLinkClosed:
		log.Info().Str("remote", string(ev.Remote)).Msg("call ended")
	case peer.EventRemoteTrack:
		log.Info().Str("remote", string(ev.Remote)).Str("kind", string(ev.Track.Kind)).Str("track", ev.Track.ID).Msg("remote track")
		if track, ok := ev.Track.Handle.(*webrtc.TrackRemote); ok {
			go discard(track)
		}
	case peer.EventError:
		log.Warn().Err(ev.Err).Str("remote", string(ev.Remote)).Msg("peer error")
	case peer.EventConnectionLost:
		log.Warn().Msg("lost connection to broker")
	}
}

// discard drains a remote track; there is nothing to render in a terminal.
func discard(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("track", track.ID()).Msg("remote track ended")
			}
			return
		}
	}
}
