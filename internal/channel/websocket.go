package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/hearth/internal/bus"
	"github.com/stellarlinkco/hearth/internal/config"
)

const webSocketChannelName = "websocket"

const writeTimeout = 5 * time.Second

type wsFrame struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebSocketChannel accepts message frames from connected clients and acks
// each one after it is stored. It is served by the gateway's HTTP server.
type WebSocketChannel struct {
	BaseChannel
	path    string
	clients sync.Map
	nextID  atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
}

func NewWebSocketChannel(cfg config.WebSocketConfig, b *bus.MessageBus, log zerolog.Logger) *WebSocketChannel {
	path := cfg.Path
	if path == "" {
		path = config.DefaultWebSocketPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketChannel{
		BaseChannel: NewBaseChannel(webSocketChannelName, b, cfg.AllowFrom),
		path:        path,
		ctx:         ctx,
		cancel:      cancel,
		log:         log.With().Str("channel", webSocketChannelName).Logger(),
	}
}

func (w *WebSocketChannel) Path() string { return w.path }

// Start is a no-op; connections arrive through ServeHTTP.
func (w *WebSocketChannel) Start(ctx context.Context) error {
	return nil
}

func (w *WebSocketChannel) ServeHTTP(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.log.Warn().Err(err).Msg("websocket accept")
		return
	}

	clientID := fmt.Sprintf("ws-%d", w.nextID.Add(1))
	w.clients.Store(clientID, conn)
	w.log.Debug().Str("client", clientID).Msg("client connected")

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		w.log.Debug().Str("client", clientID).Msg("client disconnected")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-w.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.write(conn, wsFrame{Type: "error", Error: "invalid frame"})
			continue
		}
		if frame.Type != "message" {
			continue
		}
		if strings.TrimSpace(frame.UserID) == "" || strings.TrimSpace(frame.Content) == "" {
			w.write(conn, wsFrame{Type: "error", Error: "user_id and content are required"})
			continue
		}
		if !w.IsAllowed(frame.UserID) {
			w.log.Debug().Str("client", clientID).Str("user", frame.UserID).Msg("rejected message")
			w.write(conn, wsFrame{Type: "error", UserID: frame.UserID, Error: "sender not allowed"})
			continue
		}

		err = w.bus.Publish(ctx, bus.InboundMessage{
			Channel:   webSocketChannelName,
			UserID:    frame.UserID,
			UserName:  frame.UserName,
			Content:   frame.Content,
			Role:      frame.Role,
			Timestamp: time.Now(),
			Reply: func(res bus.Result) {
				if res.Err != nil {
					w.write(conn, wsFrame{Type: "error", UserID: frame.UserID, Error: res.Err.Error()})
					return
				}
				w.write(conn, wsFrame{Type: "ack", UserID: res.UserID, MessageID: res.MessageID, Seq: res.Seq})
			},
		})
		if err != nil {
			return
		}
	}
}

func (w *WebSocketChannel) write(conn *websocket.Conn, frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		w.log.Debug().Err(err).Str("frame", frame.Type).Msg("websocket write")
	}
}

// Clients reports the number of open connections.
func (w *WebSocketChannel) Clients() int {
	n := 0
	w.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (w *WebSocketChannel) Stop() error {
	w.cancel()
	w.clients.Range(func(key, value any) bool {
		value.(*websocket.Conn).CloseNow()
		return true
	})
	w.log.Info().Msg("stopped")
	return nil
}
