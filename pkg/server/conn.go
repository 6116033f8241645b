package server

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sherpa-labs/sherpa/pkg/progress"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

const (
	// idleInterval is how long a connection may be silent before the
	// server probes it.
	idleInterval = 60 * time.Second
	// maxMissedPongs closes the connection once exceeded.
	maxMissedPongs = 2

	keepaliveTick = 15 * time.Second
	writeTimeout  = 10 * time.Second

	// logBuffer bounds queued log frames per connection; overflow drops
	// the oldest entry. Status frames are never dropped.
	logBuffer = 256
)

// conn is one live WebSocket connection. All writes go through writeJSON
// so concurrent RPC goroutines never interleave frames.
type conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	lastSeen    atomic.Int64 // unix nanos of the last inbound frame
	missedPongs atomic.Int32
	logsOn      atomic.Bool

	logCh chan progress.Log

	// ctx is cancelled when the connection closes, so in-flight RPCs on
	// this connection observe the disconnect.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		logCh:  make(chan progress.Log, logBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.missedPongs.Store(0)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// keepalive probes idle connections and drops ones that stop answering.
func (c *conn) keepalive() {
	ticker := time.NewTicker(keepaliveTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, c.lastSeen.Load()))
		if idle < idleInterval {
			continue
		}
		if c.missedPongs.Load() >= maxMissedPongs {
			util.Warnf("server: connection %s unresponsive, closing", c.id)
			c.close()
			return
		}
		if err := c.writeJSON(rpc.Ping{Type: rpc.TypePing}); err != nil {
			c.close()
			return
		}
		c.missedPongs.Add(1)
	}
}

// readLoop consumes frames until the peer goes away. Each RPC runs in its
// own goroutine so a long pipeline never blocks pings or other calls.
func (c *conn) readLoop(router *rpc.Router) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		frameType, err := rpc.DecodeType(data)
		if err != nil {
			util.Debugf("server: connection %s: bad frame: %v", c.id, err)
			continue
		}

		switch frameType {
		case rpc.TypeRequest:
			var req rpc.Request
			if err := json.Unmarshal(data, &req); err != nil {
				c.writeJSON(rpc.NewError("", rpc.NewRPCError(rpc.CodeParseError, "malformed request")))
				continue
			}
			go c.serve(router, req)

		case rpc.TypePing:
			c.writeJSON(rpc.Pong{Type: rpc.TypePong})

		case rpc.TypePong:
			// touch already reset the miss counter

		case rpc.TypeSubscribeLogs:
			c.logsOn.Store(true)

		case rpc.TypeUnsubscribeLogs:
			c.logsOn.Store(false)

		default:
			util.Debugf("server: connection %s: unknown frame type %q", c.id, frameType)
		}
	}
}

func (c *conn) serve(router *rpc.Router, req rpc.Request) {
	util.WithFields(map[string]interface{}{"conn": c.id, "method": req.Method}).Debugf("server: dispatch")
	sess := &rpc.Session{ConnectionID: c.id}
	resp := router.Dispatch(c.ctx, sess, req, &connSink{c: c})
	if err := c.writeJSON(resp); err != nil {
		util.Debugf("server: connection %s: write response: %v", c.id, err)
	}
}

// logLoop drains the bounded log queue onto the wire.
func (c *conn) logLoop() {
	for {
		select {
		case <-c.done:
			return
		case l := <-c.logCh:
			c.writeJSON(l)
		}
	}
}

// connSink streams pipeline events to the connection. Statuses always
// flow and may block on a slow peer; log events only once the client
// subscribed, queued with drop-oldest overflow so a slow reader never
// stalls the pipeline.
type connSink struct {
	c *conn
}

func (s *connSink) Status(st progress.Status) {
	s.c.writeJSON(st)
}

func (s *connSink) Log(l progress.Log) {
	if !s.c.logsOn.Load() {
		return
	}
	for {
		select {
		case s.c.logCh <- l:
			return
		default:
		}
		select {
		case <-s.c.logCh:
		default:
		}
	}
}
