package session

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"HaksaPresence/tools/errs"

	"github.com/gorilla/websocket"
)

// WSDialer dials the gateway's websocket endpoint, passing the externally
// issued token as a bearer header.
type WSDialer struct {
	URL    string
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	if _, err := url.Parse(d.URL); err != nil {
		return nil, errs.ErrConnection.WrapMsg("bad url", "url", d.URL)
	}
	h := http.Header{}
	for k, v := range d.Header {
		h[k] = v
	}
	if d.Token != "" {
		h.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Abort drops the socket without a close frame.
func (t *wsTransport) Abort() error { return t.conn.Close() }

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.conn.Close()
}
