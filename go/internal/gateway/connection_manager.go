package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager upgrades WebSocket connections and subscribes them to
// the broadcaster.
type ConnectionManager struct {
	broadcaster *Broadcaster

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig
}

// Connection is a WebSocket subscriber
type Connection struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	manager *ConnectionManager

	// Connection metadata
	ConnectedAt time.Time
	RemoteAddr  string
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512, // clients only send control frames
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  8,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(broadcaster *Broadcaster, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and
// subscribes it
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		id:          uuid.New().String(),
		conn:        conn,
		send:        make(chan []byte, cm.config.SendBufferSize),
		done:        make(chan struct{}),
		manager:     cm,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
	}

	// Start connection handlers
	go connection.writePump()
	go connection.readPump()

	// The request context ends with the handler, so subscribe detached
	if err := cm.broadcaster.Subscribe(context.WithoutCancel(r.Context()), connection); err != nil {
		connection.Close()
		return fmt.Errorf("subscribe connection: %w", err)
	}

	log.Info().
		Str("connection_id", connection.id).
		Str("remote_addr", connection.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (c *Connection) ID() string {
	return c.id
}

// Send queues msg without blocking. A full buffer fails the push.
func (c *Connection) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Close asks the write pump to send a close frame and hang up. Safe to
// call repeatedly.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Connection) shutdown() {
	c.manager.broadcaster.Unsubscribe(c.id)
	c.Close()
	c.conn.Close()
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			log.Info().Str("connection_id", c.id).Msg("WebSocket connection closed")
			return
		}

		// Observers are passive; client messages are only logged
		log.Debug().
			Str("connection_id", c.id).
			Int("bytes", len(message)).
			Msg("received client message")
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
