package selfchat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSWatcher implements Watcher over a bridge process's WebSocket event
// feed (a companion program that owns the actual self-chat session and
// forwards every message/reaction it observes as a JSON event). The
// bridge protocol is a single long-lived connection with no request/
// response framing: every inbound frame is one wireEvent, and sending
// {"type":"send", ...} dispatches an outbound message.
type WSWatcher struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

type wireEvent struct {
	GUID       string `json:"guid"`
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	IsFromSelf bool   `json:"is_from_self"`
	IsReaction bool   `json:"is_reaction"`
	InSelfChat bool   `json:"in_self_chat"`
}

type wireSend struct {
	Type  string `json:"type"`
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

type wireSendAck struct {
	GUID  string `json:"guid"`
	Error string `json:"error"`
}

// NewWSWatcher constructs a watcher that dials wsURL lazily on first Poll.
func NewWSWatcher(wsURL string, logger *slog.Logger) *WSWatcher {
	return &WSWatcher{url: wsURL, logger: logger.With("component", "transport.selfchat.watcher")}
}

func (w *WSWatcher) dial(ctx context.Context) (*websocket.Conn, error) {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}
	u, err := url.Parse(w.url)
	if err != nil {
		return nil, fmt.Errorf("parse self-chat bridge url: %w", err)
	}
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial self-chat bridge: %w", err)
	}
	w.conn = conn
	return conn, nil
}

func (w *WSWatcher) reset() {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Poll blocks for up to timeout waiting for the next event. A deadline
// exceeded without a frame arriving reports (nil, nil): the adapter's
// Run loop simply polls again.
func (w *WSWatcher) Poll(ctx context.Context, timeout time.Duration) (*Event, error) {
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	var ev wireEvent
	if err := conn.ReadJSON(&ev); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		w.reset()
		return nil, fmt.Errorf("read self-chat event: %w", err)
	}

	return &Event{
		GUID:       ev.GUID,
		Sender:     ev.Sender,
		Text:       ev.Text,
		IsFromSelf: ev.IsFromSelf,
		IsReaction: ev.IsReaction,
		InSelfChat: ev.InSelfChat,
	}, nil
}

// Send dispatches an outbound message through the bridge and returns
// the guid it assigns, for NoteOutboundGUID to suppress the echo.
func (w *WSWatcher) Send(ctx context.Context, phone, text string) (string, error) {
	conn, err := w.dial(ctx)
	if err != nil {
		return "", err
	}
	if err := conn.WriteJSON(wireSend{Type: "send", Phone: phone, Text: text}); err != nil {
		w.reset()
		return "", fmt.Errorf("write self-chat send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack wireSendAck
	if err := conn.ReadJSON(&ack); err != nil {
		w.reset()
		return "", fmt.Errorf("read self-chat send ack: %w", err)
	}
	if ack.Error != "" {
		return "", fmt.Errorf("self-chat bridge rejected send: %s", ack.Error)
	}
	return ack.GUID, nil
}
