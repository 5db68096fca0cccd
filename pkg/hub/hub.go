// Package hub implements the Connection Hub (C7): accepts WebSocket
// upgrades, assigns session IDs, constructs per-connection session.Session
// state, and pumps inbound/outbound JSON frames through a single writer
// goroutine per connection (§5's convergent-writer rule). Grounded on the
// teacher's use of coder/websocket as a TTS *client* (pkg/providers/tts,
// lokutor.go), mirrored here into the server role via websocket.Accept.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vocalrelay/vocalrelay-core/internal/metrics"
	"github.com/vocalrelay/vocalrelay-core/pkg/orchestrator"
	"github.com/vocalrelay/vocalrelay-core/pkg/session"
)

// SessionBuilder constructs per-connection session.Options from a settings
// snapshot and a streaming.Config derived from it. Providers are rebuilt per
// connection so that a settings change (or per-connection overrides) take
// effect on the next connect without a process restart.
type SessionBuilder func(ctx context.Context) (session.Options, error)

// Options configures a Hub.
type Options struct {
	// Build returns the session.Options for a newly accepted connection.
	Build SessionBuilder

	// Metrics is optional; nil disables instrument recording.
	Metrics *metrics.Metrics

	// Logger is optional; nil defaults to a no-op logger.
	Logger orchestrator.Logger

	// AcceptOptions is passed through to websocket.Accept, e.g. to set
	// OriginPatterns from CORS_ORIGINS (§6).
	AcceptOptions *websocket.AcceptOptions

	// SendBuffer sizes each connection's outbound channel. Default 256.
	SendBuffer int
}

// Hub accepts WebSocket upgrades at its ServeHTTP path and owns the set of
// live connections.
type Hub struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*connection
}

// New builds a Hub ready to serve via ServeHTTP.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = &orchestrator.NoOpLogger{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Hub{opts: opts, conns: make(map[string]*connection)}
}

// ActiveSessions reports the number of currently connected sessions.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// inboundMessage is the flattened wire shape of every inbound event in §4.5:
// {"type": "...", ...event-specific fields}.
type inboundMessage struct {
	Type              string `json:"type"`
	Data              string `json:"data,omitempty"`
	PreferShortAnswer bool   `json:"prefer_short_answer,omitempty"`
	Text              string `json:"text,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// connection is one accepted WebSocket plus its session and writer pump.
type connection struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	session *session.Session
	send    chan map[string]interface{}
}

// ServeHTTP upgrades the request to a WebSocket, builds a Session, and runs
// the read/write pumps until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, h.opts.AcceptOptions)
	if err != nil {
		h.opts.Logger.Warn("hub: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	opts, err := h.opts.Build(ctx)
	if err != nil {
		h.opts.Logger.Error("hub: session build failed", "session_id", id, "error", err)
		wsConn.Close(websocket.StatusInternalError, "session initialization failed")
		return
	}

	c := &connection{
		id:   id,
		hub:  h,
		conn: wsConn,
		send: make(chan map[string]interface{}, h.opts.SendBuffer),
	}
	c.session = session.New(id, opts, c.emit)

	h.register(c)
	defer h.unregister(c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	c.session.Start(ctx)
	c.readLoop(ctx)

	cancel()
	c.session.Close()
	close(c.send)
	wg.Wait()
	wsConn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	if h.opts.Metrics != nil {
		h.opts.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	if h.opts.Metrics != nil {
		h.opts.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// emit is the session.EmitFunc passed into session.New: it flattens type and
// payload into one map and enqueues it on the connection's writer channel,
// never blocking the session's own goroutine indefinitely past context
// cancellation.
func (c *connection) emit(evt orchestrator.EventType, data map[string]interface{}) {
	frame := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		frame[k] = v
	}
	frame["type"] = string(evt)

	select {
	case c.send <- frame:
	default:
		// Writer is backed up; drop rather than block the session handler
		// indefinitely. A slow/dead client is reaped when its read loop ends
		// on disconnect.
	}
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		var msg inboundMessage
		err := wsjson.Read(ctx, c.conn, &msg)
		if err != nil {
			return
		}
		c.dispatch(msg)
	}
}

func (c *connection) dispatch(msg inboundMessage) {
	switch msg.Type {
	case "ping":
		c.session.HandlePing()
	case "audio_chunk":
		chunk, err := session.DecodeAudioChunk(msg.Data)
		if err != nil {
			c.emit(orchestrator.EventError, map[string]interface{}{
				"stage": string(orchestrator.StageAudio), "message": "invalid audio chunk",
			})
			return
		}
		// session.HandleAudioChunk already records ChunksAdmitted/ChunksRejected.
		c.session.HandleAudioChunk(chunk)
	case "audio_end":
		c.session.HandleAudioEnd(msg.PreferShortAnswer)
	case "user_text":
		c.session.HandleUserText(msg.Text)
	case "stop_tts":
		// session.HandleStopTTS already records Interruptions.
		c.session.HandleStopTTS(msg.Reason)
	case "get_metrics":
		c.session.HandleGetMetrics()
	default:
		c.emit(orchestrator.EventError, map[string]interface{}{
			"stage": string(orchestrator.StageGeneral), "message": "unknown event type: " + msg.Type,
		})
	}
}
