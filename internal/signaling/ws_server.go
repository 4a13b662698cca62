package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/room-relay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// wsConn owns one client socket: a read pump feeding the relay and a write
// pump draining the client's outbox. Whichever pump fails first runs the
// single teardown.
type wsConn struct {
	relay   *Relay
	conn    *websocket.Conn
	id      registry.ClientID
	outbox  *registry.Outbox
	limiter *ratelimit.TokenBucket

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64

	metrics *metrics.Metrics
	monitor *metrics.Monitor
	log     *slog.Logger

	closeOnce sync.Once
	onClose   func(*wsConn)
}

// run blocks until the connection is torn down.
func (c *wsConn) run(ctx context.Context) {
	if err := c.relay.Connect(c.id, c.outbox); err != nil {
		c.log.Error("register client", "err", err)
		c.closeWith(websocket.CloseInternalServerErr, "internal error")
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
		return
	}
	c.monitor.WebSocketConnected()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(ctx)
	c.teardown()
	<-done
}

func (c *wsConn) readPump(ctx context.Context) {
	if c.maxMessageBytes > 0 {
		c.conn.SetReadLimit(c.maxMessageBytes)
	}
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.metrics.Inc(metrics.SignalingMalformed)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.log.Debug("websocket read failed", "err", err)
			}
			return
		}
		c.extendDeadline()

		// Rate limit after the read so the frame's bytes are consumed and the
		// client reliably sees the close code.
		if !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.SignalingRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		c.monitor.WebSocketMessage(false, len(data))
		if msgType != websocket.TextMessage {
			c.metrics.Inc(metrics.SignalingBinaryDropped)
			continue
		}
		c.relay.HandleFrame(ctx, c.id, data)
	}
}

func (c *wsConn) writePump() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.outbox.Done():
			return
		case <-c.outbox.Ready():
			for _, frame := range c.outbox.Drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					c.log.Debug("websocket write failed", "err", err)
					c.teardown()
					return
				}
				c.monitor.WebSocketMessage(true, len(frame))
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.teardown()
				return
			}
		}
	}
}

func (c *wsConn) extendDeadline() {
	if c.idleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// teardown is safe to call from both pumps and from the server on shutdown.
func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		c.relay.Disconnect(c.id)
		if dropped := c.outbox.DropCount(); dropped > 0 {
			c.log.Debug("client dropped frames", "count", dropped)
		}
		c.outbox.Close()
		_ = c.conn.Close()
		c.monitor.WebSocketDisconnected()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
