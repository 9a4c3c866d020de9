// Package broadcast fans events out to subscribed connections.
//
// Publishing never blocks: every connection has a bounded queue, frames that
// do not fit are dropped and a connection that keeps overflowing is removed.
// A connection subscribed to several target channels of one publish gets the
// frame once.
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/speedrun-hq/speedrun-auctioneer/pkg/apperr"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/clock"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/events"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/logger"
	"github.com/speedrun-hq/speedrun-auctioneer/pkg/metrics"
)

const (
	// ChannelIntents is the solver feed
	ChannelIntents = "intents"
	// ChannelBids is the observer feed
	ChannelBids = "bids"

	intentChannelPrefix = "intent:"
)

// Disconnect reasons
const (
	ReasonClosed   = "closed"
	ReasonSilent   = "heartbeat_timeout"
	ReasonOverflow = "slow_consumer"
	ReasonShutdown = "shutdown"
)

// IntentChannel is the channel carrying every event of one intent
func IntentChannel(hash common.Hash) string {
	return intentChannelPrefix + hash.Hex()
}

// ValidChannel reports whether name is a channel clients may join
func ValidChannel(name string) bool {
	switch name {
	case ChannelIntents, ChannelBids:
		return true
	}
	if !strings.HasPrefix(name, intentChannelPrefix) {
		return false
	}
	hex := strings.TrimPrefix(name, intentChannelPrefix)
	return len(hex) == 2+2*common.HashLength && strings.HasPrefix(hex, "0x")
}

// Config tunes the hub
type Config struct {
	QueueSize        int
	MaxDrops         int
	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration
}

// DefaultConfig returns the defaults used when no configuration is given
func DefaultConfig() Config {
	return Config{
		QueueSize:        256,
		MaxDrops:         32,
		HeartbeatTimeout: 60 * time.Second,
		ReapInterval:     10 * time.Second,
	}
}

// Stats is a snapshot of the hub
type Stats struct {
	Clients       int            `json:"clients"`
	Authenticated int            `json:"authenticated"`
	Channels      map[string]int `json:"channels"`
	Published     uint64         `json:"published"`
	Dropped       uint64         `json:"dropped"`
	Disconnected  uint64         `json:"disconnected"`
}

// Hub tracks clients and channel membership
type Hub struct {
	cfg    Config
	clock  clock.Clock
	logger logger.Logger

	mu       sync.RWMutex
	clients  map[string]*Client
	channels map[string]map[string]*Client

	statsMu      sync.Mutex
	published    uint64
	dropped      uint64
	disconnected uint64
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates an empty hub
func NewHub(cfg Config, clk clock.Clock, log logger.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	return &Hub{
		cfg:      cfg,
		clock:    clk,
		logger:   log,
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
	}
}

// Connect registers a new, unauthenticated client
func (h *Hub) Connect(id string) *Client {
	c := newClient(id, h.cfg.QueueSize, h.clock.Now())
	h.mu.Lock()
	if old, ok := h.clients[id]; ok {
		h.detachLocked(old)
	}
	h.clients[id] = c
	n := len(h.clients)
	h.mu.Unlock()

	metrics.Connections.Set(float64(n))
	h.logger.Debug("Client %s connected", id)
	return c
}

// Authenticate marks the client as allowed to subscribe
func (h *Hub) Authenticate(clientID, subject string) error {
	c, err := h.client(clientID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subject = subject
	c.authenticated = true
	c.mu.Unlock()
	c.touch(h.clock.Now())
	return nil
}

// Subscribe adds the client to channel. Unauthenticated clients are rejected.
func (h *Hub) Subscribe(clientID, channel string) error {
	if !ValidChannel(channel) {
		return apperr.Validation("unknown channel %q", channel)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return apperr.NotFound("client %s", clientID)
	}
	if !c.Authenticated() {
		return apperr.New(apperr.KindAuth, apperr.CodeUnauthenticated, "client %s must authenticate before subscribing", clientID)
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		h.channels[channel] = members
	}
	members[clientID] = c
	c.mu.Lock()
	c.channels[channel] = true
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the client from channel. Leaving a channel the client
// never joined is a no-op.
func (h *Hub) Unsubscribe(clientID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return apperr.NotFound("client %s", clientID)
	}
	h.leaveLocked(c, channel)
	return nil
}

// Heartbeat records activity from the client
func (h *Hub) Heartbeat(clientID string) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if ok {
		c.touch(h.clock.Now())
	}
}

// Remove detaches the client from every channel and closes its queue.
// Removing an unknown client is a no-op.
func (h *Hub) Remove(clientID, reason string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		h.detachLocked(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.Connections.Set(float64(n))
	metrics.ClientsDisconnected.WithLabelValues(reason).Inc()
	h.statsMu.Lock()
	h.disconnected++
	h.statsMu.Unlock()
	if reason == ReasonClosed {
		h.logger.Debug("Client %s disconnected", clientID)
	} else {
		h.logger.Info("Client %s disconnected: %s", clientID, reason)
	}
}

// Publish delivers e to every client on channel
func (h *Hub) Publish(channel string, e events.Event) int {
	return h.PublishTo(e, channel)
}

// PublishTo delivers e once to every client subscribed to any of channels.
// It returns the number of clients the frame was queued for.
func (h *Hub) PublishTo(e events.Event, channels ...string) int {
	frame, err := events.Encode(e)
	if err != nil {
		h.logger.Error("Failed to encode %s event: %v", e.Type(), err)
		return 0
	}

	h.mu.RLock()
	targets := make(map[string]*Client)
	for _, ch := range channels {
		for id, c := range h.channels[ch] {
			targets[id] = c
		}
	}
	h.mu.RUnlock()

	delivered := 0
	var dropped uint64
	var overflowed []string
	for id, c := range targets {
		ok, overflow := c.enqueue(frame, h.cfg.MaxDrops)
		if ok {
			delivered++
			continue
		}
		dropped++
		if overflow {
			overflowed = append(overflowed, id)
		}
	}

	metrics.EventsPublished.WithLabelValues(string(e.Type())).Inc()
	if dropped > 0 {
		metrics.EventsDropped.Add(float64(dropped))
		h.logger.Debug("Dropped %s event for %d slow clients", e.Type(), dropped)
	}
	h.statsMu.Lock()
	h.published++
	h.dropped += dropped
	h.statsMu.Unlock()

	for _, id := range overflowed {
		h.Remove(id, ReasonOverflow)
	}
	return delivered
}

// Emit routes e to its channels
func (h *Hub) Emit(e events.Event) {
	r := &router{}
	if err := e.Accept(r); err != nil {
		h.logger.Error("Failed to route %s event: %v", e.Type(), err)
		return
	}
	h.PublishTo(e, r.channels...)
}

// Reap removes every client silent for longer than the heartbeat timeout
func (h *Hub) Reap() int {
	if h.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	now := h.clock.Now()
	h.mu.RLock()
	var silent []string
	for id, c := range h.clients {
		if c.silentSince(now) > h.cfg.HeartbeatTimeout {
			silent = append(silent, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range silent {
		h.Remove(id, ReasonSilent)
	}
	return len(silent)
}

// Run reaps silent clients until ctx is done, then disconnects everyone
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if n := h.Reap(); n > 0 {
				h.logger.Info("Reaped %d silent clients", n)
			}
		}
	}
}

// Stats returns a snapshot of the hub
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{Clients: len(h.clients), Channels: make(map[string]int)}
	for _, c := range h.clients {
		if c.Authenticated() {
			s.Authenticated++
		}
	}
	for ch, members := range h.channels {
		if ch == ChannelIntents || ch == ChannelBids {
			s.Channels[ch] = len(members)
		}
	}
	h.mu.RUnlock()

	h.statsMu.Lock()
	s.Published = h.published
	s.Dropped = h.dropped
	s.Disconnected = h.disconnected
	h.statsMu.Unlock()
	return s
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Remove(id, ReasonShutdown)
	}
}

func (h *Hub) client(id string) (*Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return nil, apperr.NotFound("client %s", id)
	}
	return c, nil
}

func (h *Hub) leaveLocked(c *Client, channel string) {
	if members, ok := h.channels[channel]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

func (h *Hub) detachLocked(c *Client) {
	for _, ch := range c.Channels() {
		h.leaveLocked(c, ch)
	}
	delete(h.clients, c.ID)
	c.close()
}

// router maps each event variant to the channels it is published on
type router struct {
	channels []string
}

func (r *router) VisitIntentCreated(e *events.IntentCreated) error {
	r.channels = []string{ChannelIntents, IntentChannel(e.Hash)}
	return nil
}

func (r *router) VisitBidReceived(e *events.BidReceived) error {
	r.channels = []string{ChannelBids, IntentChannel(e.IntentHash)}
	return nil
}

func (r *router) VisitBestBidUpdated(e *events.BestBidUpdated) error {
	r.channels = []string{ChannelBids, IntentChannel(e.IntentHash)}
	return nil
}

func (r *router) VisitWinnerSelected(e *events.WinnerSelected) error {
	r.channels = []string{ChannelIntents, ChannelBids, IntentChannel(e.IntentHash)}
	return nil
}

func (r *router) VisitIntentExpired(e *events.IntentExpired) error {
	r.channels = []string{ChannelIntents, ChannelBids, IntentChannel(e.IntentHash)}
	return nil
}

func (r *router) VisitIntentCancelled(e *events.IntentCancelled) error {
	r.channels = []string{ChannelIntents, ChannelBids, IntentChannel(e.IntentHash)}
	return nil
}
