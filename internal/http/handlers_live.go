package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/target/review-pulse/internal/domain/job"
)

const defaultLiveWriteTimeout = 10 * time.Second

// LiveHandlers upgrades /ws/ connections and relays hub events to them.
type LiveHandlers struct {
	Hub          *job.Hub
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// liveMessage is the frame envelope: {"message": <payload>}.
type liveMessage struct {
	Message any `json:"message"`
}

// Handler returns the websocket endpoint.
func (h *LiveHandlers) Handler() http.Handler {
	return websocket.Server{Handler: h.serve}
}

// serve runs one connection: a reader goroutine answering pings and a writer
// loop forwarding hub events. Either side ending closes the connection.
func (h *LiveHandlers) serve(ws *websocket.Conn) {
	logger := h.Logger.With("component", "live", "remote", ws.Request().RemoteAddr)

	sub, err := h.Hub.Subscribe()
	if err != nil {
		logger.Warn("rejecting live connection", "error", err)
		return
	}
	defer h.Hub.Unsubscribe(sub)
	logger = logger.With("subscription_id", sub.ID())
	logger.Debug("live connection opened")

	timeout := h.WriteTimeout
	if timeout <= 0 {
		timeout = defaultLiveWriteTimeout
	}
	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(timeout))
		return websocket.JSON.Send(ws, liveMessage{Message: v})
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			if isPing(msg) {
				if err := send("pong"); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); errors.Is(err, job.ErrSlowSubscriber) {
					logger.Warn("live connection evicted", "error", err)
				}
				return
			}
			if err := send(ev); err != nil {
				logger.Debug("live write failed", "error", err)
				return
			}
		case <-readerDone:
			logger.Debug("live connection closed by client")
			return
		}
	}
}

// isPing accepts a bare "ping" text frame or {"type":"ping"}.
func isPing(msg string) bool {
	msg = strings.TrimSpace(msg)
	if strings.EqualFold(msg, "ping") {
		return true
	}
	var frame struct {
		Type string `json:"type"`
	}
	return json.Unmarshal([]byte(msg), &frame) == nil && strings.EqualFold(frame.Type, "ping")
}
