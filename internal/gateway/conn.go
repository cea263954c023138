package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/piwi3910/podshield/internal/metrics"
)

var (
	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("gateway: connection closed")
	// ErrNotConnected is returned when no connection is registered for a
	// session.
	ErrNotConnected = errors.New("gateway: session not connected")
	// ErrSlowConsumer is returned when a client does not drain its send
	// buffer. The connection is closed.
	ErrSlowConsumer = errors.New("gateway: send buffer full")
)

// Conn is one session's websocket. Only the write pump writes to the socket;
// everything else queues frames through Send.
type Conn struct {
	ws    *websocket.Conn
	codec codec
	sem   *semaphore.Weighted

	// send is never closed. done is closed exactly once and tells senders
	// and the write pump that the connection is gone.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sessionID string
	tenantID  string
	userID    string

	mu       sync.RWMutex
	policyID string

	cfg Config
}

func newConn(ws *websocket.Conn, cfg Config, sessionID, tenantID, userID, policyID string) *Conn {
	return &Conn{
		ws:        ws,
		codec:     codecFor(ws.Subprotocol()),
		sem:       semaphore.NewWeighted(int64(cfg.HandlerConcurrency)),
		send:      make(chan []byte, cfg.SendBuffer),
		done:      make(chan struct{}),
		sessionID: sessionID,
		tenantID:  tenantID,
		userID:    userID,
		policyID:  policyID,
		cfg:       cfg,
	}
}

// SessionID returns the session served by the connection.
func (c *Conn) SessionID() string { return c.sessionID }

// PolicyID returns the policy the session was bound to when it last loaded
// one.
func (c *Conn) PolicyID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.policyID
}

func (c *Conn) setPolicyID(id string) {
	c.mu.Lock()
	c.policyID = id
	c.mu.Unlock()
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues a message. It never blocks: a full buffer closes the
// connection.
func (c *Conn) Send(out *Outbound) error {
	if c.Closed() {
		return ErrConnClosed
	}

	frame, err := c.codec.encode(out)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- frame:
		metrics.RecordGatewayMessage("out", string(out.Type))
		return nil
	default:
		log.Warn().Str("session_id", c.sessionID).Msg("Gateway client is not reading, closing connection")
		c.Close()

		return ErrSlowConsumer
	}
}

// Close stops the connection. It is safe to call more than once and from
// any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send buffer and keeps the connection alive with
// pings. It owns the socket and closes it on exit.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)

	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))

			if err := c.ws.WriteMessage(c.codec.frameType(), frame); err != nil {
				log.Debug().Err(err).Str("session_id", c.sessionID).Msg("Gateway write failed")
				c.Close()

				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()

			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))

			return
		}
	}
}

// flush writes frames queued before the close, such as a final alert.
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(c.codec.frameType(), frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
