package zeroex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaifufi/zeroex-sdk-go/chain"
)

const (
	// Heartbeat interval
	HeartbeatInterval = 30 * time.Second

	// Reconnect settings
	DefaultReconnectInterval    = 1 * time.Second
	DefaultMaxReconnectInterval = 60 * time.Second
	DefaultMaxReconnectAttempts = 10

	writeWait = 10 * time.Second
)

// WebSocket action types
const (
	ActionHeartbeat = "HEARTBEAT"
	ActionProgress  = "PROGRESS"
)

// WSProgressMessage is the frame sent for every progress event
type WSProgressMessage struct {
	Action string              `json:"action"`
	Event  chain.ProgressEvent `json:"event"`
}

// HeartbeatMessage represents a heartbeat message
type HeartbeatMessage struct {
	Action string `json:"action"`
}

// WSConfig holds configuration for the WebSocket reporter
type WSConfig struct {
	Endpoint             string
	Header               http.Header
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	QueueSize            int
	HeartbeatInterval    time.Duration
	OnError              func(err error)
}

// WSReporter streams progress events to a WebSocket endpoint.
// It reconnects with capped exponential backoff and drops events while disconnected.
type WSReporter struct {
	config WSConfig
	logger *zap.Logger

	mu               sync.RWMutex
	conn             *websocket.Conn
	isConnected      bool
	reconnecting     bool
	reconnectAttempt int

	writeMu sync.Mutex
	queue   chan chain.ProgressEvent
	dropped atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

// NewWSReporter creates a new WebSocket reporter. Call Connect before use.
func NewWSReporter(config WSConfig, logger *zap.Logger) *WSReporter {
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.QueueSize == 0 {
		config.QueueSize = defaultReporterQueueSize
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSReporter{
		config: config,
		logger: logger,
		queue:  make(chan chain.ProgressEvent, config.QueueSize),
		done:   make(chan struct{}),
	}
}

// Connect dials the endpoint and starts the send loop.
// ctx bounds the reporter's lifetime, not just the dial.
func (ws *WSReporter) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.ctx == nil {
		ws.ctx, ws.cancel = context.WithCancel(ctx)
	}
	ws.mu.Unlock()

	if err := ws.dial(); err != nil {
		return err
	}
	ws.startOnce.Do(func() { go ws.pump() })
	return nil
}

func (ws *WSReporter) dial() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.isConnected {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ws.ctx, ws.config.Endpoint, ws.config.Header)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	ws.conn = conn
	ws.isConnected = true
	ws.reconnectAttempt = 0
	go ws.readLoop(conn)

	ws.logger.Info("ws_reporter_connected", zap.String("endpoint", ws.config.Endpoint))
	return nil
}

// IsConnected returns the current connection status
func (ws *WSReporter) IsConnected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.isConnected
}

// Dropped counts events discarded because the queue was full or the link was down
func (ws *WSReporter) Dropped() uint64 {
	return ws.dropped.Load()
}

// Report enqueues an event without blocking
func (ws *WSReporter) Report(ev chain.ProgressEvent) {
	select {
	case ws.queue <- ev:
	default:
		ws.dropped.Add(1)
	}
}

// pump is the only goroutine that writes frames, besides Close
func (ws *WSReporter) pump() {
	defer close(ws.done)

	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.ctx.Done():
			return
		case ev := <-ws.queue:
			if err := ws.sendMessage(WSProgressMessage{Action: ActionProgress, Event: ev}); err != nil {
				ws.dropped.Add(1)
				ws.logger.Debug("progress event not delivered", zap.String("run_id", ev.RunID), zap.Error(err))
			}
		case <-ticker.C:
			if err := ws.sendMessage(HeartbeatMessage{Action: ActionHeartbeat}); err != nil {
				ws.reportError(fmt.Errorf("heartbeat failed: %w", err))
			}
		}
	}
}

// sendMessage sends a message over the WebSocket connection
func (ws *WSReporter) sendMessage(msg any) error {
	ws.mu.RLock()
	conn, connected := ws.conn, ws.isConnected
	ws.mu.RUnlock()

	if !connected || conn == nil {
		return errors.New("WebSocket not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.handleDisconnect(conn)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// readLoop drains inbound frames so control messages are processed and a dead peer is noticed
func (ws *WSReporter) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ws.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.reportError(fmt.Errorf("read error: %w", err))
			}
			ws.handleDisconnect(conn)
			return
		}
	}
}

// handleDisconnect marks conn dead and starts reconnecting, once per connection
func (ws *WSReporter) handleDisconnect(conn *websocket.Conn) {
	ws.mu.Lock()
	if ws.conn != conn || !ws.isConnected {
		ws.mu.Unlock()
		return
	}
	ws.isConnected = false
	ws.conn = nil
	_ = conn.Close()
	start := !ws.reconnecting && ws.ctx.Err() == nil
	if start {
		ws.reconnecting = true
	}
	ws.mu.Unlock()

	ws.logger.Warn("ws_reporter_disconnected", zap.String("endpoint", ws.config.Endpoint))
	if start {
		go ws.attemptReconnect()
	}
}

// attemptReconnect attempts to reconnect to the WebSocket
func (ws *WSReporter) attemptReconnect() {
	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	for {
		ws.mu.Lock()
		attempt := ws.reconnectAttempt
		if attempt >= ws.config.MaxReconnectAttempts {
			ws.mu.Unlock()
			ws.reportError(fmt.Errorf("max reconnect attempts (%d) reached", ws.config.MaxReconnectAttempts))
			return
		}
		ws.reconnectAttempt++
		ws.mu.Unlock()

		select {
		case <-ws.ctx.Done():
			return
		case <-time.After(reconnectBackoff(ws.config.ReconnectInterval, attempt)):
		}

		if err := ws.dial(); err != nil {
			ws.reportError(fmt.Errorf("reconnect attempt %d failed: %w", attempt+1, err))
			continue
		}
		return
	}
}

// reconnectBackoff returns base * 2^attempt, capped at DefaultMaxReconnectInterval
func reconnectBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return DefaultMaxReconnectInterval
	}
	d := base * time.Duration(1<<attempt)
	if d > DefaultMaxReconnectInterval || d <= 0 {
		return DefaultMaxReconnectInterval
	}
	return d
}

func (ws *WSReporter) reportError(err error) {
	ws.logger.Warn("ws_reporter_error", zap.Error(err))
	if ws.config.OnError != nil {
		ws.config.OnError(err)
	}
}

// Close stops the send loop and closes the connection
func (ws *WSReporter) Close() error {
	ws.mu.Lock()
	if ws.cancel == nil {
		ws.mu.Unlock()
		return nil
	}
	ws.cancel()
	conn := ws.conn
	ws.conn = nil
	ws.isConnected = false
	ws.mu.Unlock()

	// nothing to wait for if the pump never started
	ws.startOnce.Do(func() { close(ws.done) })
	<-ws.done

	if conn == nil {
		return nil
	}
	ws.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	ws.writeMu.Unlock()
	return conn.Close()
}
