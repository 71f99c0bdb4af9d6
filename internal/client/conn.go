// Package client is the signaling side of a Huddle participant: an explicit
// websocket connection to the broker and the loop that feeds a peer.Manager.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClosed = errors.New("signaling connection closed")

// Conn is one websocket session with the broker. It is created by Dial and
// owned by the caller; nothing about it is global.
type Conn struct {
	ws       *websocket.Conn
	incoming chan protocol.Envelope
	outgoing chan []byte
	done     chan struct{}
	lost     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	room      domain.RoomID
}

// Dial connects to the broker. A non-empty token is sent as a bearer token.
func Dial(ctx context.Context, serverURL, token string) (*Conn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Conn{
		ws:       ws,
		incoming: make(chan protocol.Envelope, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
	}
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.lost)
		close(c.incoming)
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Str("module", "client").Msg("signaling read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropping malformed envelope")
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.outgoing:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Err(err).Str("module", "client").Msg("signaling write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-c.lost:
			return
		}
	}
}

// Send queues env for the broker. It implements peer.Signaler.
func (c *Conn) Send(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-c.lost:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.lost:
		return ErrClosed
	}
}

func (c *Conn) Join(room domain.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if err := c.Send(protocol.JoinRoom(room)); err != nil {
		return err
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return nil
}

func (c *Conn) Leave() error {
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()
	return c.Send(protocol.LeaveRoom())
}

func (c *Conn) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Incoming yields decoded envelopes; it is closed when the connection ends.
func (c *Conn) Incoming() <-chan protocol.Envelope { return c.incoming }

// Lost is closed once the read side has ended, for whatever reason.
func (c *Conn) Lost() <-chan struct{} { return c.lost }

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) closedLocally() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
