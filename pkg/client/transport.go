package client

import (
	"context"

	"github.com/coder/websocket"
)

// transport abstracts the wire so tests can swap in an in-memory pair.
type transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func dialWebSocket(ctx context.Context, url string) (transport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Stats and log batches can exceed the 32 KiB default.
	conn.SetReadLimit(1 << 20)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
