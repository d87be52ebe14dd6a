package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// streamSubscriber buffers snapshots for one Server-Sent Events response.
type streamSubscriber struct {
	id   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newStreamSubscriber(buffer int) *streamSubscriber {
	return &streamSubscriber{
		id:   uuid.New().String(),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (s *streamSubscriber) ID() string { return s.id }

func (s *streamSubscriber) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (s *streamSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// StreamHandler serves snapshots as Server-Sent Events, one data line per
// snapshot.
type StreamHandler struct {
	broadcaster  *Broadcaster
	bufferSize   int
	writeTimeout time.Duration
	keepAlive    time.Duration
}

func NewStreamHandler(broadcaster *Broadcaster, config ConnectionConfig) *StreamHandler {
	return &StreamHandler{
		broadcaster:  broadcaster,
		bufferSize:   config.SendBufferSize,
		writeTimeout: config.WriteTimeout,
		keepAlive:    config.PingInterval,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Error().Err(err).Msg("event stream not supported by response writer")
		return
	}

	sub := newStreamSubscriber(h.bufferSize)
	if err := h.broadcaster.Subscribe(context.WithoutCancel(r.Context()), sub); err != nil {
		log.Error().Err(err).Msg("failed to subscribe event stream")
		return
	}
	defer func() {
		h.broadcaster.Unsubscribe(sub.id)
		sub.Close()
	}()

	log.Info().
		Str("subscriber_id", sub.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("event stream opened")

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			log.Info().Str("subscriber_id", sub.id).Msg("event stream closed by client")
			return
		case <-sub.done:
			return
		case msg := <-sub.send:
			_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if _, err = fmt.Fprintf(w, "data: %s\n\n", msg); err == nil {
				err = rc.Flush()
			}
		case <-keepAlive.C:
			_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if _, err = fmt.Fprint(w, ": keep-alive\n\n"); err == nil {
				err = rc.Flush()
			}
		}
		if err != nil {
			log.Debug().Err(err).Str("subscriber_id", sub.id).Msg("event stream write failed")
			return
		}
	}
}
