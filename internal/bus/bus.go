// Package bus is the fan-out Bus (spec §4.4): a transport-agnostic topic
// registry that delivers best-effort, bounded-queue broadcasts to any
// number of subscribed sessions. It knows nothing about websockets — the
// wsapi package adapts a Session to whatever wire transport it uses.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame is one message handed to a session for delivery. Kind matches the
// wire message `type` field; Topic is the originating topic string.
type Frame struct {
	Topic string
	Kind  string
	Data  any
}

// Session is anything that can receive frames without blocking the bus.
// wsapi's per-connection writer implements this over a buffered channel.
type Session interface {
	ID() string
	Send(Frame) error
}

// Bus holds one subscriber set per topic string.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]Session // topic -> sessionID -> session

	coalesceMu   sync.Mutex
	lastTickerAt map[string]time.Time
}

const tickerMinInterval = 250 * time.Millisecond

func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:          log.With().Str("component", "bus").Logger(),
		subs:         make(map[string]map[string]Session),
		lastTickerAt: make(map[string]time.Time),
	}
}

// Topic constructors enforce the topic grammar (spec §4.4).
func TopicOrderBook(pair string) string { return "orderbook@" + pair }
func TopicTrade(pair string) string     { return "trade@" + pair }
func TopicTicker(pair string) string    { return "ticker@" + pair }
func TopicTickerAll() string            { return "ticker@all" }
func TopicOrders(userID string) string  { return "orders@" + userID }

// ValidTopic reports whether a subscribe request names a well-formed topic.
func ValidTopic(topic string) bool {
	parts := strings.SplitN(topic, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return false
	}
	switch parts[0] {
	case "orderbook", "trade", "ticker", "orders":
		return true
	default:
		return false
	}
}

// Subscribe adds a session to a topic's fan-out set. Callers are expected to
// push a snapshot frame to sess immediately after (spec §4.4 snapshot-on-subscribe) —
// the bus itself only knows about live frames, not how to produce a snapshot.
func (b *Bus) Subscribe(topic string, sess Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[string]Session)
		b.subs[topic] = set
	}
	set[sess.ID()] = sess
}

func (b *Bus) Unsubscribe(topic string, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[topic]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(b.subs, topic)
		}
	}
}

// UnsubscribeAll removes a session from every topic it joined, called on
// disconnect.
func (b *Bus) UnsubscribeAll(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, set := range b.subs {
		if _, ok := set[sessionID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
	}
}

// Publish delivers a frame to every current subscriber of topic, best-effort:
// a session whose Send fails (full queue, closed connection) is dropped from
// every topic rather than allowed to back-pressure the publisher (spec §4.4,
// §8 "publish is best-effort; a slow consumer is disconnected, not the engine").
func (b *Bus) Publish(topic, kind string, data any) {
	b.mu.RLock()
	set, ok := b.subs[topic]
	if !ok {
		b.mu.RUnlock()
		return
	}
	sessions := make([]Session, 0, len(set))
	for _, s := range set {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	frame := Frame{Topic: topic, Kind: kind, Data: data}
	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			b.log.Debug().Str("topic", topic).Str("session", s.ID()).Err(err).Msg("dropping slow subscriber")
			b.UnsubscribeAll(s.ID())
		}
	}
}

// PublishTicker coalesces ticker@<pair> (and the mirrored ticker@all) updates
// to at most once per tickerMinInterval, since price-poll-driven or
// trade-driven ticker recomputation can otherwise fire far faster than any
// consumer needs (spec §4.4 "ticker updates may be coalesced").
func (b *Bus) PublishTicker(pair string, data any) {
	key := fmt.Sprintf("ticker@%s", pair)
	b.coalesceMu.Lock()
	last, seen := b.lastTickerAt[key]
	now := time.Now()
	if seen && now.Sub(last) < tickerMinInterval {
		b.coalesceMu.Unlock()
		return
	}
	b.lastTickerAt[key] = now
	b.coalesceMu.Unlock()

	b.Publish(TopicTicker(pair), "ticker", data)
	b.Publish(TopicTickerAll(), "ticker", data)
}

// SubscriberCount reports how many sessions are currently on a topic
// (admin/diagnostic use only).
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
