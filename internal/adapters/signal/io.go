package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid domain.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(ctl.Opts.WriteWait))
			return
		case <-c.out.Ready():
			for {
				data, ok := c.out.Pop()
				if !ok {
					break
				}
				if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
					log.Error().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump set deadline")
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump write error")
					return
				}
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Router.Disconnect(sid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump closed")
			} else if errors.Is(err, websocket.ErrReadLimit) {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("frame over read limit")
			} else {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.Warn().Str("module", "adapters.signal").Str("sid", string(sid)).Int("msg_type", msgType).Msg("non-text frame ignored")
			continue
		}
		// Any inbound frame proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait))
		ctl.Router.HandleFrame(sid, data)
	}
}
