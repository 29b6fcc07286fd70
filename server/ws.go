package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/status"
)

const (
	socketWriteWait      = 10 * time.Second
	socketPongWait       = 60 * time.Second
	socketPingPeriod     = (socketPongWait * 4) / 5
	socketMaxMessageSize = 1024
)

type socket struct {
	remote   string
	conn     *websocket.Conn
	sub      *status.Subscription
	pending  map[string]struct{}
	watching bool
	log      logger.Logger
}

func splitQuery(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *server) txStatus(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	txIDs := splitQuery(c.Query("txId"))
	recipients := splitQuery(c.Query("recipient"))
	if len(txIDs) == 0 && len(recipients) == 0 {
		return s.badRequest(c, "Missing query parameters: txId or recipient")
	}
	for _, r := range recipients {
		if !relay.ValidAddress(r) {
			return s.badRequest(c, "Invalid Ethereum address")
		}
	}
	remote := c.IP()

	serveWs := func(conn *websocket.Conn) {
		client := &socket{
			remote:   remote,
			conn:     conn,
			sub:      s.backend.Hub.Subscribe(txIDs, recipients),
			pending:  make(map[string]struct{}, len(txIDs)),
			watching: len(recipients) > 0,
			log:      s.log,
		}
		for _, id := range txIDs {
			client.pending[id] = struct{}{}
		}
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()
		go client.readPump(cancel)
		client.writePump(ctx)
	}
	s.log.Info(fmt.Sprintf("websocket server, new status connection from address: %s accepted", remote))

	return websocket.New(serveWs)(c)
}

// readPump only keeps the connection alive, clients do not send commands.
func (c *socket) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(socketMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(socketPongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info(fmt.Sprintf("socket closing connection to the client %s due to unexpected error %s", c.remote, err))
			}
			return
		}
	}
}

// done tells if every watched transaction reached a terminal phase and no recipient is watched.
func (c *socket) done(u relay.Update) bool {
	if u.Phase.Terminal() && !u.Incoming {
		delete(c.pending, u.TxID)
	}
	return !c.watching && len(c.pending) == 0
}

func (c *socket) writePump(ctx context.Context) {
	ticker := time.NewTicker(socketPingPeriod)
	reason := "relay stopped"
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.log.Debug(fmt.Sprintf("socket write closing msg to the client %s error, %s", c.remote, err.Error()))
		}
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			reason = "client gone"
			return
		case u, ok := <-c.sub.Channel():
			if !ok {
				return
			}
			raw, err := json.Marshal(u)
			if err != nil {
				c.log.Error(fmt.Sprintf("socket failed to marshal update: %s", err.Error()))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Info(fmt.Sprintf("socket closing connection to the client %s due to %s", c.remote, err))
				return
			}
			if c.done(u) {
				reason = "transaction finished"
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Info(fmt.Sprintf("socket closing connection to the client %s due to %s", c.remote, err))
				return
			}
		}
	}
}
