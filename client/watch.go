package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/server"
)

const wsConnectionTimeout = 5 * time.Second

var ErrInvalidApiRoot = errors.New("invalid api root")

// statusURL converts the http api root to the websocket status url.
func statusURL(apiRoot string, txIDs, recipients []string) (string, error) {
	u, err := url.Parse(apiRoot)
	if err != nil {
		return "", errors.Join(ErrInvalidApiRoot, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Join(ErrInvalidApiRoot, errors.New("unsupported scheme "+u.Scheme))
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + server.TxStatusURL
	q := url.Values{}
	if len(txIDs) > 0 {
		q.Set("txId", strings.Join(txIDs, ","))
	}
	if len(recipients) > 0 {
		q.Set("recipient", strings.Join(recipients, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func watch(ctx context.Context, apiRoot string, txIDs, recipients []string, timeout time.Duration) (<-chan relay.Update, error) {
	addr, err := statusURL(apiRoot, txIDs, recipients)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = wsConnectionTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctxTimeout, addr, nil)
	if err != nil {
		return nil, errors.Join(ErrRejectedByServer, err)
	}

	out := make(chan relay.Update)
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		case <-finished:
		}
		conn.Close()
	}()
	go func() {
		defer close(finished)
		pullPump(ctx, conn, out)
	}()

	return out, nil
}

func pullPump(ctx context.Context, conn *websocket.Conn, out chan<- relay.Update) {
	defer close(out)
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var u relay.Update
		if err := json.Unmarshal(raw, &u); err != nil {
			continue
		}
		select {
		case out <- u:
		case <-ctx.Done():
			return
		}
	}
}
