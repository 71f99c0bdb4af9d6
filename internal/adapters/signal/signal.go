package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// IdentityKey is the gin context key the auth middleware stores the caller's
// identity under.
const IdentityKey = "identity"

type Options struct {
	QueueSize  int
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:  32,
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		PongWait:   60 * time.Second,
		WriteWait:  5 * time.Second,
	}
}

type SignalWSController struct {
	Router *app.Router
	Opts   Options
}

func NewSignalWSController(router *app.Router, opts Options) *SignalWSController {
	return &SignalWSController{
		Router: router,
		Opts:   opts,
	}
}

// WsSignalConn is the core.SignalConnection of one websocket. Frames are
// queued in a drop-oldest Outbox and written by writePump.
type WsSignalConn struct {
	conn *websocket.Conn
	out  *core.Outbox
	once sync.Once
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	return c.out.Push(f)
}

func (c *WsSignalConn) Close() {
	c.once.Do(func() {
		c.out.Close()
		_ = c.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the session until the socket
// closes or ctx is canceled.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	identity := domain.Identity(c.GetString(IdentityKey))
	// The upgrade response is written by the hijacker, so cookies set by
	// earlier middleware have to be passed through explicitly.
	var header http.Header
	if cookies := c.Writer.Header().Values("Set-Cookie"); len(cookies) > 0 {
		header = http.Header{"Set-Cookie": cookies}
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}

	sid := domain.NewSessionID()
	conn := &WsSignalConn{
		conn: ws,
		out:  core.NewOutbox(ctl.Opts.QueueSize),
	}
	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Str("identity", string(identity)).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Router.Connect(sid, identity, conn, cancel)

	go ctl.writePump(ctx, sid, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
