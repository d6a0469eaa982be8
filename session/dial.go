package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket to the Conn surface. Write
// serialization is the controller's job; this wrapper stays dumb.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error {
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// dialWebsocket is the production DialFunc.
func dialWebsocket(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// appendKey attaches the API key as a query parameter, tolerating
// endpoints that already carry a query string.
func appendKey(endpoint, key string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		return endpoint + sep + "key=" + url.QueryEscape(key)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String()
}
