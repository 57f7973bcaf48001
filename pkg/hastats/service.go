package hastats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/esgraph/energy_graph_server/pkg/statistics"
)

const (
	callTimeout    = 60 * time.Second
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
	maxRetryShift  = 5
	pingInterval   = 30 * time.Second
	readDeadline   = 90 * time.Second
)

type subscription struct {
	id       int64
	entityID string
	options  map[string]any
	handler  func(entityID string, samples []statistics.RawSample)
}

// Client is a resilient Home Assistant websocket client. Calls are
// id-correlated, history subscriptions survive reconnects.
type Client struct {
	cfg Config

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan serverMessage
	subs    map[int64]*subscription
	ready   bool
	readyCh chan struct{}

	stop chan struct{}
	done chan struct{}
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		pending: make(map[int64]chan serverMessage),
		subs:    make(map[int64]*subscription),
		readyCh: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the connect loop until Close is called. Reconnects use
// exponential backoff and resubscribe any active history streams.
func (c *Client) Start() {
	go c.run()
}

// Close shuts the client down and waits for the connection loop.
func (c *Client) Close() {
	close(c.stop)
	<-c.done
}

// WaitReady blocks until the client is authenticated or ctx expires.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ch := c.readyCh
	ready := c.ready
	c.mu.Unlock()
	if ready {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelayFor doubles the reconnect delay per attempt up to the cap.
// The shift is clamped so an hours-long outage cannot overflow the
// delay into a hot reconnect loop.
func retryDelayFor(retryCount int) time.Duration {
	shift := retryCount
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	delay := time.Duration(1<<shift) * baseRetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (c *Client) run() {
	defer close(c.done)

	scheme := "ws"
	if c.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.cfg.Host, Path: "/api/websocket"}

	retryCount := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		retryDelay := retryDelayFor(retryCount)
		if retryCount > 0 {
			log.Printf("Retrying Home Assistant connection in %v...", retryDelay)
			select {
			case <-time.After(retryDelay):
			case <-c.stop:
				return
			}
		}

		log.Printf("Connecting to %s", u.String())
		dialer := websocket.DefaultDialer
		dialer.HandshakeTimeout = 10 * time.Second
		conn, _, err := dialer.Dial(u.String(), nil)
		if err != nil {
			log.Printf("Connection failed: %v", err)
			retryCount++
			continue
		}

		if err := c.authenticate(conn); err != nil {
			log.Printf("Authentication failed: %v", err)
			conn.Close()
			retryCount++
			continue
		}

		log.Println("Connected and authenticated with Home Assistant.")
		retryCount = 0

		c.attach(conn)
		c.resubscribe()

		connectionBroken := c.handleConnection(conn)
		c.detach()
		conn.Close()

		if !connectionBroken {
			return
		}
		log.Println("Home Assistant connection lost, will retry...")
	}
}

// authenticate performs the auth_required/auth/auth_ok handshake.
func (c *Client) authenticate(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello serverMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("reading auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected first message type %q", hello.Type)
	}
	err := conn.WriteJSON(map[string]any{
		"type":         "auth",
		"access_token": c.cfg.AccessToken,
	})
	if err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}
	var reply serverMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	if reply.Type != "auth_ok" {
		return fmt.Errorf("auth rejected: %s", reply.Message)
	}
	return nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.ready = true
	close(c.readyCh)
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.ready = false
	c.readyCh = make(chan struct{})
	// In-flight calls cannot complete on a dead connection.
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) handleConnection(conn *websocket.Conn) bool {
	readerDone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(readDeadline))

	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("WebSocket error: %v", err)
				} else {
					log.Printf("Connection closed: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(readDeadline))

			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("Failed to parse message: %v", err)
				continue
			}
			c.dispatch(msg)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, []byte{})
				c.writeMu.Unlock()
				if err != nil {
					log.Printf("Failed to send ping: %v", err)
					return
				}
			case <-readerDone:
				return
			}
		}
	}()

	select {
	case <-readerDone:
		return true
	case <-c.stop:
		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err != nil {
			log.Println("Error sending close message:", err)
		}
		select {
		case <-readerDone:
		case <-time.After(time.Second):
		}
		return false
	}
}

func (c *Client) dispatch(msg serverMessage) {
	switch msg.Type {
	case "result":
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case "event":
		c.mu.Lock()
		sub, ok := c.subs[msg.ID]
		c.mu.Unlock()
		if !ok {
			return
		}
		var ev historyStreamEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			log.Printf("Failed to parse history event: %v", err)
			return
		}
		for entityID, raw := range ev.States {
			samples, err := decodeSamples(raw)
			if err != nil {
				log.Printf("Failed to parse history states for %s: %v", entityID, err)
				continue
			}
			if len(samples) > 0 {
				sub.handler(entityID, samples)
			}
		}
	case "pong":
	default:
		log.Printf("Received unexpected message type: %s", msg.Type)
	}
}

// decodeSamples accepts both a single sample object and a sample list,
// which is how the history stream encodes single-state updates.
func decodeSamples(raw json.RawMessage) ([]statistics.RawSample, error) {
	var many []statistics.RawSample
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one statistics.RawSample
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []statistics.RawSample{one}, nil
}

// call sends one command and waits for its result message.
func (c *Client) call(ctx context.Context, op string, payload map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: not connected", op)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan serverMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload["id"] = id
	c.writeMu.Lock()
	err := conn.WriteJSON(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending %s: %w", op, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost", op)
		}
		if msg.Success != nil && !*msg.Success {
			if msg.Error != nil {
				return nil, fmt.Errorf("%s: %w", op, msg.Error)
			}
			return nil, fmt.Errorf("%s: call failed", op)
		}
		return msg.Result, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &TimeoutError{Op: op, After: callTimeout}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// StatisticsDuringPeriod fetches aggregated buckets for the given ids.
// A nil end leaves the range open. Period is one of the recorder's
// bucket sizes (5minute, hour, day, week, month).
func (c *Client) StatisticsDuringPeriod(
	ctx context.Context,
	start time.Time,
	end *time.Time,
	statisticIDs []string,
	period string,
	types []statistics.StatType,
) (statistics.Statistics, error) {
	payload := map[string]any{
		"type":          "recorder/statistics_during_period",
		"start_time":    formatTime(start),
		"statistic_ids": statisticIDs,
		"period":        period,
		"units":         map[string]any{},
		"types":         types,
	}
	if end != nil {
		payload["end_time"] = formatTime(*end)
	}
	result, err := c.call(ctx, "statistics_during_period", payload)
	if err != nil {
		return nil, err
	}
	var stats statistics.Statistics
	if err := json.Unmarshal(result, &stats); err != nil {
		return nil, fmt.Errorf("parsing statistics result: %w", err)
	}
	return stats, nil
}

// StatisticsMetadata fetches display metadata for the given ids.
func (c *Client) StatisticsMetadata(ctx context.Context, statisticIDs []string) (map[string]statistics.Metadata, error) {
	result, err := c.call(ctx, "get_statistics_metadata", map[string]any{
		"type":          "recorder/get_statistics_metadata",
		"statistic_ids": statisticIDs,
	})
	if err != nil {
		return nil, err
	}
	var list []statistics.Metadata
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parsing metadata result: %w", err)
	}
	out := make(map[string]statistics.Metadata, len(list))
	for _, meta := range list {
		out[meta.StatisticID] = meta
	}
	return out, nil
}

// HistoryDuringPeriod fetches minimal-response state history for one
// entity over a closed range.
func (c *Client) HistoryDuringPeriod(
	ctx context.Context,
	start, end time.Time,
	entityID string,
	significantChangesOnly bool,
) ([]statistics.RawSample, error) {
	result, err := c.call(ctx, "history_during_period", map[string]any{
		"type":                     "history/history_during_period",
		"start_time":               formatTime(start),
		"end_time":                 formatTime(end),
		"entity_ids":               []string{entityID},
		"minimal_response":         true,
		"no_attributes":            true,
		"significant_changes_only": significantChangesOnly,
	})
	if err != nil {
		return nil, err
	}
	var byEntity map[string]json.RawMessage
	if err := json.Unmarshal(result, &byEntity); err != nil {
		return nil, fmt.Errorf("parsing history result: %w", err)
	}
	raw, ok := byEntity[entityID]
	if !ok {
		return nil, nil
	}
	return decodeSamples(raw)
}

// SubscribeHistory opens a history stream for one entity starting now.
// The handler runs on the read loop; keep it short. The returned
// function cancels the subscription.
func (c *Client) SubscribeHistory(
	ctx context.Context,
	entityID string,
	significantChangesOnly bool,
	handler func(entityID string, samples []statistics.RawSample),
) (func(), error) {
	options := map[string]any{
		"type":                     "history/stream",
		"entity_ids":               []string{entityID},
		"minimal_response":         true,
		"no_attributes":            true,
		"significant_changes_only": significantChangesOnly,
		"start_time":               formatTime(time.Now()),
	}
	id, err := c.subscribe(ctx, entityID, options, handler)
	if err != nil {
		return nil, err
	}
	return func() { c.unsubscribe(id) }, nil
}

func (c *Client) subscribe(
	ctx context.Context,
	entityID string,
	options map[string]any,
	handler func(entityID string, samples []statistics.RawSample),
) (int64, error) {
	payload := make(map[string]any, len(options)+1)
	for k, v := range options {
		payload[k] = v
	}
	if _, err := c.call(ctx, "history_stream", payload); err != nil {
		return 0, err
	}
	// call() stamped the id into the payload we sent.
	id := payload["id"].(int64)
	c.mu.Lock()
	c.subs[id] = &subscription{id: id, entityID: entityID, options: options, handler: handler}
	c.mu.Unlock()
	return id, nil
}

func (c *Client) unsubscribe(id int64) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.call(ctx, "unsubscribe_events", map[string]any{
		"type":         "unsubscribe_events",
		"subscription": id,
	})
	if err != nil {
		log.Printf("Failed to unsubscribe %d: %v", id, err)
	}
}

// resubscribe re-opens every active history stream after a reconnect,
// restarting each stream from the current time.
func (c *Client) resubscribe() {
	c.mu.Lock()
	old := c.subs
	c.subs = make(map[int64]*subscription, len(old))
	c.mu.Unlock()

	for _, sub := range old {
		options := make(map[string]any, len(sub.options))
		for k, v := range sub.options {
			options[k] = v
		}
		options["start_time"] = formatTime(time.Now())
		delete(options, "id")
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		_, err := c.subscribe(ctx, sub.entityID, options, sub.handler)
		cancel()
		if err != nil {
			log.Printf("Failed to resubscribe history for %s: %v", sub.entityID, err)
		}
	}
}
