package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"backend-homeservice/internal/shared/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "attendance:"
	channelSuffix = ":events"
	sendBuffer    = 64
)

// Hub fans attendance events out to WebSocket clients of an appointment.
// With Redis configured, every broadcast is mirrored to the other instances.
type Hub struct {
	redis  *redis.Client
	log    *logger.Logger
	origin string

	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
}

type Client struct {
	AppointmentID string
	Send          chan []byte
}

// envelope tags mirrored payloads with their origin so an instance skips its own.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

func NewHub(redisClient *redis.Client, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	h := &Hub{
		redis:   redisClient,
		log:     log,
		origin:  uuid.NewString(),
		clients: map[string]map[*Client]struct{}{},
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	if redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.subscribeRedis(ctx)
	} else {
		close(h.done)
	}
	return h
}

func (h *Hub) Register(appointmentID string) *Client {
	client := &Client{
		AppointmentID: appointmentID,
		Send:          make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[appointmentID] == nil {
		h.clients[appointmentID] = map[*Client]struct{}{}
	}
	h.clients[appointmentID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.AppointmentID]; ok {
		if _, ok := clients[client]; !ok {
			return
		}
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.AppointmentID)
		}
		close(client.Send)
	}
}

// Broadcast delivers payload to local clients and mirrors it through Redis.
// Slow clients miss messages rather than block the caller.
func (h *Hub) Broadcast(ctx context.Context, appointmentID string, payload []byte) {
	h.deliver(appointmentID, payload)

	if h.redis == nil {
		return
	}
	msg, err := json.Marshal(envelope{Origin: h.origin, Payload: payload})
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, redisChannel(appointmentID), msg).Err(); err != nil {
		h.log.Error(logger.WithAppointmentID(ctx, appointmentID), "redis_publish_failed", "could not mirror event", err, nil)
	}
}

// Subscribers reports how many local clients watch an appointment.
func (h *Hub) Subscribers(appointmentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[appointmentID])
}

// Close stops the Redis mirror. Registered clients stay usable for local delivery.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *Hub) deliver(appointmentID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[appointmentID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	defer close(h.done)

	pubsub := h.redis.PSubscribe(ctx, channelPrefix+"*"+channelSuffix)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			h.log.Error(ctx, "redis_subscribe_failed", "event mirror disabled", err, nil)
		}
		return
	}
	close(h.ready)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Debug(ctx, "redis_message_dropped", "malformed mirrored event", map[string]any{"channel": msg.Channel})
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			h.deliver(appointmentIDFromChannel(msg.Channel), env.Payload)
		}
	}
}

func redisChannel(appointmentID string) string {
	return channelPrefix + appointmentID + channelSuffix
}

// appointmentIDFromChannel parses attendance:{appointment}:events.
func appointmentIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
