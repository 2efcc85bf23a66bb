package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/synchromesh/internal/channel"
	"github.com/dgnsrekt/synchromesh/internal/outbox"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBufferSize = 256

	inboundTimeout = 10 * time.Second
)

// Client is one socket connection.
type Client struct {
	svc      *Socket
	conn     *websocket.Conn
	send     chan []byte
	clientID string
	connID   string
	user     channel.User
	groups   map[string]bool // guarded by the hub lock
	closed   bool            // guarded by the hub lock
	logger   *zap.Logger
}

func (c *Client) readPump() {
	defer func() {
		c.svc.hub.drop(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("socket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			break
		}
		c.handleFrame(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("socket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(payload []byte) {
	c.svc.hub.deliver(c, payload)
}

func (c *Client) ack(ackID *uint64, success bool, reason string) {
	if ackID != nil {
		c.reply(ackFrame(*ackID, success, reason))
	}
}

func (c *Client) handleFrame(data []byte) {
	f, err := parseUpstream(data)
	if err != nil {
		c.logger.Debug("failed to parse upstream frame",
			zap.String("connID", c.connID),
			zap.Error(err),
		)
		return
	}

	switch f.Type {
	case frameJoin:
		if err := c.svc.authorizeJoin(f.Channel, f.Salt, f.Authorization, c.clientID); err != nil {
			c.logger.Debug("socket join refused",
				zap.String("connID", c.connID),
				zap.String("channel", f.Channel),
				zap.Error(err),
			)
			c.ack(f.AckID, false, "unauthorized")
			return
		}
		c.svc.hub.JoinGroup(c, f.Channel)
		c.ack(f.AckID, true, "")

	case frameLeave:
		c.svc.hub.LeaveGroup(c, f.Channel)
		c.ack(f.AckID, true, "")

	case framePing:
		c.reply(pongFrame())

	case frameUpdate:
		if !c.svc.hub.member(c, f.Channel) {
			c.ack(f.AckID, false, "unauthorized")
			return
		}
		if err := c.forward(f); err != nil {
			c.logger.Debug("socket update rejected",
				zap.String("connID", c.connID),
				zap.String("channel", f.Channel),
				zap.Error(err),
			)
			c.ack(f.AckID, false, "rejected")
			return
		}
		c.ack(f.AckID, true, "")
	}
}

// forward hands a client write to the inbound handler, which checks its
// authorization.
func (c *Client) forward(f upstreamFrame) error {
	handler := c.svc.inboundHandler()
	if handler == nil {
		return ErrUnsupported
	}
	ch, err := c.svc.ChannelFromRelay(f.Channel)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	_, err = handler(ctx, Inbound{
		Channel:       ch,
		Salt:          f.Salt,
		BroadcastID:   f.BroadcastID,
		Authorization: f.Authorization,
		Operation:     outbox.Operation(f.Operation),
		Payload:       f.Payload,
		User:          c.user,
	})
	return err
}
