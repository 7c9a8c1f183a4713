package server

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/torosent/freshbench/internal/metrics"
)

// broadcastBuffer absorbs snapshot bursts without blocking the
// broadcast loop.
const broadcastBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// hub owns the WebSocket client set. The run loop is the only
// goroutine that touches the clients map; everything else talks to it
// through channels.
type hub struct {
	log zerolog.Logger

	clients    map[*client]struct{}
	broadcast  chan metrics.Snapshot
	register   chan *client
	unregister chan *client

	// last is replayed to clients that connect between broadcast
	// ticks.
	last     metrics.Snapshot
	haveLast bool

	conns atomic.Int64

	done     chan struct{}
	finished chan struct{}
}

func newHub(log zerolog.Logger, done chan struct{}) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan metrics.Snapshot, broadcastBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       done,
		finished:   make(chan struct{}),
	}
}

func (h *hub) run() {
	defer close(h.finished)

	for {
		select {
		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.conns.Store(0)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.conns.Store(int64(len(h.clients)))
			h.log.Debug().Int("clients", len(h.clients)).Msg("websocket client connected")
			if h.haveLast {
				select {
				case c.send <- h.last:
				default:
				}
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.conns.Store(int64(len(h.clients)))
				h.log.Debug().Int("clients", len(h.clients)).Msg("websocket client disconnected")
			}

		case snap := <-h.broadcast:
			h.last, h.haveLast = snap, true
			for c := range h.clients {
				select {
				case c.send <- snap:
				default:
					// Slow client. Cut it loose rather than stall the
					// broadcast.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.conns.Store(int64(len(h.clients)))
		}
	}
}

// stop disconnects every client and waits for the run loop to exit.
// The shared done channel must already be closed.
func (h *hub) stop() {
	<-h.finished
}

func (h *hub) count() int {
	return int(h.conns.Load())
}

// add hands a client to the run loop. After shutdown the connection is
// closed instead.
func (h *hub) add(c *client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.conn.Close()
	}
}

// drop is the unregister counterpart of add.
func (h *hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{
		hub:  s.hub,
		conn: conn,
		send: make(chan metrics.Snapshot, clientSendBuffer),
	}
	s.hub.add(cl)

	go cl.writePump()
	go cl.readPump()
}
