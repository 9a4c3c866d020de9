package broadcast

import (
	"sync"
	"time"
)

// Client is one subscriber connection as seen by the hub. Frames are queued
// on a bounded channel drained by the transport; the hub never blocks on it.
type Client struct {
	ID string

	mu            sync.Mutex
	send          chan []byte
	subject       string
	authenticated bool
	lastSeen      time.Time
	drops         int
	closed        bool
	channels      map[string]bool
}

func newClient(id string, queueSize int, now time.Time) *Client {
	return &Client{
		ID:       id,
		send:     make(chan []byte, queueSize),
		lastSeen: now,
		channels: make(map[string]bool),
	}
}

// Outbound is the queue of frames to write. It is closed when the hub
// removes the client.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Subject is the authenticated identity, empty before authentication
func (c *Client) Subject() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subject
}

// Authenticated reports whether the client may subscribe
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Channels returns the channels the client is subscribed to
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// enqueue queues frame without blocking. A full queue drops the frame; it
// returns true once more than maxDrops frames were dropped in a row.
func (c *Client) enqueue(frame []byte, maxDrops int) (delivered bool, overflow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.send <- frame:
		c.drops = 0
		return true, false
	default:
		c.drops++
		return false, c.drops > maxDrops
	}
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
}

func (c *Client) silentSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

// close stops further enqueues and closes the outbound queue once
func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}
