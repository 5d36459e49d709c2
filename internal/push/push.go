// Package push implements the `ws /jobs` push channel (spec.md §6):
// clients subscribe to job ids and receive job-update events as the
// status fabric (C10) publishes them, plus a small control protocol
// (ping/pong, stats) for liveness and observability. No in-pack
// grounding covers a websocket server (the retrieval pack's only
// gorilla/websocket usage is outbound exchange clients), so this
// package pairs the teacher's mutex+map subscriber-registry style
// (internal/event-hooks/nats.go) with gorilla/websocket, the
// ecosystem's de facto server library.
package push

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opsgateway/async-gateway/internal/statusfabric"
	"go.uber.org/zap"
)

// eventType names the frames spec.md §6 lists for `ws /jobs`.
type eventType string

const (
	eventWelcome               eventType = "welcome"
	eventSubscribe             eventType = "subscribe"
	eventUnsubscribe           eventType = "unsubscribe"
	eventStatus                eventType = "status"
	eventStats                 eventType = "stats"
	eventPing                  eventType = "ping"
	eventPong                  eventType = "pong"
	eventJobUpdate             eventType = "job-update"
	eventSubscriptionConfirmed eventType = "subscription-confirmed"
	eventStatisticsResponse    eventType = "statistics-response"
	eventError                 eventType = "error"
)

type frame struct {
	Type    eventType `json:"type"`
	JobID   string    `json:"jobId,omitempty"`
	JobIDs  []string  `json:"jobIds,omitempty"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades `ws /jobs` connections and wires each one into the
// status fabric as a statusfabric.Subscriber.
type Handler struct {
	status *statusfabric.Fabric
	log    *zap.Logger
}

func New(status *statusfabric.Fabric, log *zap.Logger) *Handler {
	return &Handler{status: status, log: log}
}

// conn is one live websocket connection: a statusfabric.Subscriber that
// serializes writes through a single goroutine, since gorilla/websocket
// connections are not safe for concurrent writers.
type conn struct {
	handle string
	ws     *websocket.Conn
	out    chan frame
	status *statusfabric.Fabric
	log    *zap.Logger
	closed chan struct{}
	once   sync.Once
}

func (c *conn) Send(u statusfabric.Update) error {
	select {
	case c.out <- frame{Type: eventJobUpdate, JobID: u.JobID, Data: u}:
		return nil
	default:
		return errSlowConsumer
	}
}

var errSlowConsumer = slowConsumerError{}

type slowConsumerError struct{}

func (slowConsumerError) Error() string { return "push: subscriber send buffer full" }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("push: upgrade failed", zap.Error(err))
		}
		return
	}
	c := &conn{
		handle: uuid.NewString(),
		ws:     ws,
		out:    make(chan frame, 64),
		status: h.status,
		log:    h.log,
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	c.out <- frame{Type: eventWelcome, Message: "connected", Data: map[string]string{"handle": c.handle}}
	c.readLoop()
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.ws.Close()
	for {
		select {
		case <-c.closed:
			return
		case f, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteJSON(frame{Type: eventPing}); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		c.status.Touch(c.handle)
		switch f.Type {
		case eventSubscribe:
			for _, id := range subscribeIDs(f) {
				c.status.Subscribe(c.handle, c, id)
			}
			c.out <- frame{Type: eventSubscriptionConfirmed, JobIDs: subscribeIDs(f)}
		case eventUnsubscribe:
			for _, id := range subscribeIDs(f) {
				c.status.Unsubscribe(c.handle, id)
			}
		case eventStatus:
			if u, ok := c.status.GetStatus(f.JobID); ok {
				c.out <- frame{Type: eventJobUpdate, JobID: f.JobID, Data: u}
			} else {
				c.out <- frame{Type: eventError, JobID: f.JobID, Message: "unknown job id"}
			}
		case eventStats:
			c.out <- frame{Type: eventStatisticsResponse, Data: c.status.GetStatistics()}
		case eventPing:
			c.out <- frame{Type: eventPong}
		default:
			c.out <- frame{Type: eventError, Message: "unrecognized frame type"}
		}
	}
}

func subscribeIDs(f frame) []string {
	if f.JobID != "" {
		return append([]string{f.JobID}, f.JobIDs...)
	}
	return f.JobIDs
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.status.Disconnect(c.handle)
	})
}
