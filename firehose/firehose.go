// Package firehose implements the firehose consumer (component D): a single
// persistent WebSocket subscription to a relay's com.atproto.sync.subscribeRepos
// endpoint, decoding commit/identity/account frames and forwarding them to
// the durable queue.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	cbg "github.com/whyrusleeping/cbor-gen"

	"atview.dev/common"
	"atview.dev/cursor"
	"atview.dev/queue"
)

// Config controls the relay connection, keep-alive, and reconnect policy.
type Config struct {
	RelayURL string

	PingInterval       time.Duration
	PongTimeout        time.Duration
	StallTimeout       time.Duration
	ReconnectMinDelay  time.Duration
	ReconnectMaxDelay  time.Duration
	CursorFlushPeriod  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RelayURL:          "wss://bsky.network",
		PingInterval:      30 * time.Second,
		PongTimeout:       45 * time.Second,
		StallTimeout:      2 * time.Minute,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		CursorFlushPeriod: 5 * time.Second,
	}
}

const cursorName = "firehose"

// Observer receives a lightweight fan-out notification for every decoded
// event, for metrics and any in-process bridge; it must not block.
type Observer func(kind string)

// Consumer owns the relay WebSocket connection.
type Consumer struct {
	cfg    Config
	queue  *queue.Queue
	cursor *cursor.Store
	log    *common.ContextLogger

	observersMu sync.RWMutex
	observers   []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu       sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	connectedAt  time.Time

	lastEventMu sync.Mutex
	lastEventAt time.Time

	seqMu    sync.Mutex
	lastSeq  int64
}

// New creates a Consumer bound to the given queue and cursor store.
func New(cfg Config, q *queue.Queue, cs *cursor.Store) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    cfg,
		queue:  q,
		cursor: cs,
		log:    common.ComponentLogger("firehose"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnEvent registers a fan-out observer.
func (c *Consumer) OnEvent(fn Observer) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Consumer) notify(kind string) {
	c.observersMu.RLock()
	defer c.observersMu.RUnlock()
	for _, o := range c.observers {
		o(kind)
	}
}

// Start begins the connection loop in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.connectionLoop()
}

// Stop tears down the consumer and waits for its goroutines to exit.
func (c *Consumer) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// Connected reports whether the socket is currently open.
func (c *Consumer) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// ConnectedAt reports when the current (or most recent) connection opened,
// used by the readiness aggregator's "within first reconnect window" check.
func (c *Consumer) ConnectedAt() time.Time {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connectedAt
}

func (c *Consumer) connectionLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectMinDelay
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		failure := c.runOnce()
		c.connMu.Lock()
		opened := c.connected
		c.connected = false
		c.connMu.Unlock()

		if opened {
			delay = c.cfg.ReconnectMinDelay
		}
		if failure == nil {
			continue
		}

		if failure.kind == failureAuth {
			c.log.WithError(failure.err).Error("firehose auth failure, not reconnecting")
			return
		}

		c.log.WithError(failure.err).WithField("kind", failure.kind).Warn("firehose disconnected, reconnecting")

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

type failureKind string

const (
	failureNetwork  failureKind = "network"
	failureTimeout  failureKind = "timeout"
	failureProtocol failureKind = "protocol"
	failureAuth     failureKind = "auth"
	failureRateLimit failureKind = "rate_limit"
	failureUnknown  failureKind = "unknown"
)

type failure struct {
	kind failureKind
	err  error
}

// runOnce connects once, resuming from the stored cursor if present, and
// runs until the connection ends (stall, ping timeout, read error, or ctx
// cancellation), returning the classified failure (nil on clean shutdown).
func (c *Consumer) runOnce() *failure {
	dialURL, err := c.dialURL()
	if err != nil {
		return &failure{kind: failureProtocol, err: err}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(c.ctx, dialURL, http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &failure{kind: failureAuth, err: err}
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return &failure{kind: failureRateLimit, err: err}
		}
		return &failure{kind: failureNetwork, err: err}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connectedAt = time.Now()
	c.connMu.Unlock()
	c.log.WithField("url", dialURL).Info("firehose connected")

	c.resetLastEvent()
	conn.SetPongHandler(func(string) error {
		c.resetLastEvent()
		return nil
	})

	stopPing := make(chan struct{})
	var pingWg sync.WaitGroup
	pingWg.Add(1)
	go func() {
		defer pingWg.Done()
		c.pingLoop(conn, stopPing)
	}()

	stopWatchdog := make(chan struct{})
	var watchdogWg sync.WaitGroup
	watchdogWg.Add(1)
	go func() {
		defer watchdogWg.Done()
		c.stallWatchdog(conn, stopWatchdog)
	}()

	readErr := c.readLoop(conn)

	close(stopPing)
	close(stopWatchdog)
	conn.Close()
	pingWg.Wait()
	watchdogWg.Wait()

	if readErr == nil || c.ctx.Err() != nil {
		return nil
	}
	return &failure{kind: failureUnknown, err: readErr}
}

func (c *Consumer) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	u.Path = "/xrpc/com.atproto.sync.subscribeRepos"

	q := u.Query()
	if cur, ok, err := c.cursor.Get(c.ctx, cursorName); err == nil && ok {
		q.Set("cursor", cur.Value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Consumer) resetLastEvent() {
	c.lastEventMu.Lock()
	c.lastEventAt = time.Now()
	c.lastEventMu.Unlock()
}

func (c *Consumer) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// stallWatchdog forces the socket closed once neither a pong nor a frame
// has been observed for PongTimeout. Pongs and frames share one
// timestamp, so a connection that keeps answering pings but delivers no
// events is not closed; StallTimeout only selects which warning is logged.
func (c *Consumer) stallWatchdog(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.lastEventMu.Lock()
			silence := time.Since(c.lastEventAt)
			c.lastEventMu.Unlock()

			limit := c.cfg.StallTimeout
			if silence < c.cfg.PongTimeout {
				continue
			}
			if silence >= limit || silence >= c.cfg.PongTimeout {
				// Silence of at least PongTimeout means neither a pong
				// nor a frame arrived; StallTimeout only picks the message.
				if silence >= c.cfg.PongTimeout && silence < limit {
					c.log.Warn("no pong within timeout, forcing reconnect")
				} else {
					c.log.Warn("no event within stall timeout, forcing reconnect")
				}
				conn.Close()
				return
			}
		}
	}
}

func (c *Consumer) readLoop(conn *websocket.Conn) error {
	var lastFlush time.Time
	for {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.resetLastEvent()

		ev, err := c.decodeFrame(data)
		if err != nil {
			c.log.WithError(err).Warn("failed to decode firehose frame")
			continue
		}
		if ev == nil {
			continue // unknown/ignored frame type
		}

		if _, err := c.queue.Push(c.ctx, *ev); err != nil {
			c.log.WithError(err).Error("failed to push firehose event to queue")
		}
		c.notify(ev.Kind)

		if time.Since(lastFlush) >= c.cfg.CursorFlushPeriod {
			if err := c.cursor.Set(c.ctx, cursorName, fmt.Sprintf("%d", ev.Seq), time.Now()); err != nil {
				c.log.WithError(err).Warn("failed to persist firehose cursor")
			}
			lastFlush = time.Now()
		}
	}
}

// decodeFrame parses the AT-Protocol wire frame (CBOR event header followed
// by the CBOR-encoded payload for that header's #commit/#identity/#account
// type) into a queue.Event. Returns a nil event (no error) for frame types
// this core doesn't act on (e.g. #info, #tombstone).
func (c *Consumer) decodeFrame(data []byte) (*queue.Event, error) {
	r := bytes.NewReader(data)
	cr := cbg.NewCborReader(r)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(cr); err != nil {
		return nil, fmt.Errorf("decode frame header: %w", err)
	}
	if header.Op == events.EvtKindErrorFrame {
		return nil, fmt.Errorf("relay sent error frame")
	}

	switch header.MsgType {
	case "#commit":
		var commit atproto.SyncSubscribeRepos_Commit
		if err := commit.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("decode commit: %w", err)
		}
		var buf bytes.Buffer
		if err := commit.MarshalCBOR(cbg.NewCborWriter(&buf)); err != nil {
			return nil, fmt.Errorf("re-encode commit payload: %w", err)
		}
		return c.wrapEvent("commit", commit.Seq, commit.Repo, buf.Bytes())

	case "#identity":
		var id atproto.SyncSubscribeRepos_Identity
		if err := id.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
		var buf bytes.Buffer
		if err := id.MarshalCBOR(cbg.NewCborWriter(&buf)); err != nil {
			return nil, fmt.Errorf("re-encode identity payload: %w", err)
		}
		return c.wrapEvent("identity", id.Seq, id.Did, buf.Bytes())

	case "#account":
		var acct atproto.SyncSubscribeRepos_Account
		if err := acct.UnmarshalCBOR(cr); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		var buf bytes.Buffer
		if err := acct.MarshalCBOR(cbg.NewCborWriter(&buf)); err != nil {
			return nil, fmt.Errorf("re-encode account payload: %w", err)
		}
		return c.wrapEvent("account", acct.Seq, acct.Did, buf.Bytes())

	default:
		return nil, nil
	}
}

func (c *Consumer) wrapEvent(kind string, seq int64, repo string, payload []byte) (*queue.Event, error) {
	c.seqMu.Lock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	c.seqMu.Unlock()

	return &queue.Event{Kind: kind, Seq: seq, Repo: repo, Payload: payload}, nil
}
