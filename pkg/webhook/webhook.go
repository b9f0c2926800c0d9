// Package webhook dispatches node lifecycle events to an
// operator-configured HTTP endpoint, asynchronously and best-effort.
//
// Adapted nearly verbatim from the teacher's
// pkg/daemon/webhook.go WebhookClient: same buffered-channel-plus-worker
// shape, same nil-receiver-is-a-no-op convention so every call site can
// invoke it unconditionally whether or not a URL was configured, and the
// same drop-when-full policy rather than blocking the caller. Retargeted
// from a uint32 node ID and daemon-specific event set to this node's
// string node_id and the lifecycle events SPEC_FULL.md names.
package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event is the JSON payload POSTed to the webhook endpoint.
type Event struct {
	Event     string      `json:"event"`
	NodeID    string      `json:"node_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client dispatches events asynchronously to an HTTP(S) endpoint. A nil
// *Client is valid and makes every method a no-op, so callers do not
// need to branch on whether a webhook URL was configured.
type Client struct {
	url       string
	ch        chan *Event
	client    *http.Client
	done      chan struct{}
	nodeID    func() string
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a webhook dispatcher. If url is empty, returns nil.
func New(url string, nodeIDFunc func() string) *Client {
	if url == "" {
		return nil
	}
	c := &Client{
		url:    url,
		ch:     make(chan *Event, 1024),
		client: &http.Client{Timeout: 5 * time.Second},
		done:   make(chan struct{}),
		nodeID: nodeIDFunc,
		closed: make(chan struct{}),
	}
	go c.run()
	return c
}

// Emit queues an event for async delivery. Non-blocking; drops the event
// (logging a warning) if the buffer is full. Safe to call after Close.
func (c *Client) Emit(event string, data interface{}) {
	if c == nil {
		return
	}
	select {
	case <-c.closed:
		return
	default:
	}
	ev := &Event{
		Event:     event,
		NodeID:    c.nodeID(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case c.ch <- ev:
	case <-c.closed:
	default:
		slog.Warn("webhook queue full, dropping event", "event", event)
	}
}

// Close drains the queue and stops the background goroutine. Idempotent.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.ch)
	})
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)
	for ev := range c.ch {
		c.post(ev)
	}
}

func (c *Client) post(ev *Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("webhook marshal error", "event", ev.Event, "error", err)
		return
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		slog.Warn("webhook POST failed", "event", ev.Event, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("webhook POST error status", "event", ev.Event, "status", resp.StatusCode)
	}
}
