package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	callTimeout      = 10 * time.Second
	pingInterval     = 30 * time.Second
	reconnectMin     = time.Second
	reconnectMax     = 30 * time.Second
	registryRefresh  = 5 * time.Minute
)

var (
	ErrNotConnected = errors.New("hub: not connected")
	ErrAuthRejected = errors.New("hub: access token rejected")
	ErrEntityGone   = errors.New("hub: entity not found")
)

// CommandError is a hub-side command failure. The text stays internal;
// handlers map it to a generic error kind.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hub: command failed: %s: %s", e.Code, e.Message)
}

// Client maintains one authenticated WebSocket session to the hub,
// reconnecting with backoff. It caches states and registries and fans
// state_changed events out to subscribers in bus order.
type Client struct {
	baseURL string
	token   string

	dialer       *websocket.Dialer
	httpClient   *http.Client
	streamClient *http.Client

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan resultFrame

	subMu   sync.Mutex
	nextSub int64
	subs    map[int64]func(Event)

	stateMu sync.RWMutex
	states  map[string]State

	regMu    sync.RWMutex
	entities map[string]EntityEntry
	devices  map[string]DeviceEntry
	areas    map[string]AreaEntry
	floors   map[string]FloorEntry

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type resultFrame struct {
	Success bool
	Result  json.RawMessage
	Err     *CommandError
}

// frame is the envelope for every message on the socket.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Event *eventFrame `json:"event,omitempty"`
}

type eventFrame struct {
	EventType string    `json:"event_type"`
	TimeFired time.Time `json:"time_fired"`
	Data      struct {
		EntityID string `json:"entity_id"`
		OldState *State `json:"old_state"`
		NewState *State `json:"new_state"`
	} `json:"data"`
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		pending:      make(map[int64]chan resultFrame),
		subs:         make(map[int64]func(Event)),
		states:       make(map[string]State),
		entities:     make(map[string]EntityEntry),
		devices:      make(map[string]DeviceEntry),
		areas:        make(map[string]AreaEntry),
		floors:       make(map[string]FloorEntry),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the connection loop and returns once the first
// connection attempt has resolved either way. The loop keeps the session
// alive until Stop.
func (c *Client) Start() {
	first := make(chan struct{})
	c.wg.Add(1)
	go c.run(first)
	<-first
}

func (c *Client) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
}

// Connected reports whether the session is currently authenticated.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) run(first chan struct{}) {
	defer c.wg.Done()

	backoff := reconnectMin
	notify := func() {
		if first != nil {
			close(first)
			first = nil
		}
	}

	for {
		select {
		case <-c.stopCh:
			notify()
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			log.Printf("[WARN] Hub connect failed, retrying in %s: %v", backoff, err)
			notify()
			select {
			case <-time.After(backoff):
			case <-c.stopCh:
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectMin
		c.setConn(conn, true)
		log.Printf("[REQ:hub] Connected to %s", c.baseURL)

		done := make(chan struct{})
		c.wg.Add(2)
		go c.readLoop(conn, done)
		go c.keepAlive(done)

		if err := c.bootstrap(); err != nil {
			log.Printf("[WARN] Hub bootstrap failed: %v", err)
		}
		notify()

		select {
		case <-done:
			c.setConn(nil, false)
			c.failPending()
			log.Printf("[WARN] Hub connection lost, reconnecting")
		case <-c.stopCh:
			conn.Close()
			<-done
			c.setConn(nil, false)
			c.failPending()
			return
		}
	}
}

// connect dials the socket and completes the auth handshake.
func (c *Client) connect() (*websocket.Conn, error) {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := c.dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != "auth_required" {
		conn.Close()
		return nil, fmt.Errorf("unexpected hello frame %q", hello.Type)
	}

	if err := conn.WriteJSON(map[string]string{
		"type":         "auth",
		"access_token": c.token,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	var reply frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Type != "auth_ok" {
		conn.Close()
		return nil, ErrAuthRejected
	}

	return conn, nil
}

// bootstrap resubscribes and refills the caches after each (re)connect.
func (c *Client) bootstrap() error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	if _, err := c.call(ctx, "subscribe_events", map[string]any{
		"event_type": "state_changed",
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := c.refreshStates(ctx); err != nil {
		return err
	}
	return c.RefreshRegistries(ctx)
}

func (c *Client) setConn(conn *websocket.Conn, connected bool) {
	c.connMu.Lock()
	c.conn = conn
	c.connected = connected
	c.connMu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			conn.Close()
			return
		}

		switch f.Type {
		case "result":
			c.deliverResult(&f)
		case "event":
			if f.Event != nil && f.Event.EventType == "state_changed" {
				c.handleStateChanged(f.Event)
			}
		case "pong":
			c.deliverResult(&f)
		}
	}
}

// keepAlive pings until the connection drops, forcing a reconnect when
// the hub stops answering.
func (c *Client) keepAlive(done chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			_, err := c.call(ctx, "ping", nil)
			cancel()
			if err != nil {
				c.connMu.RLock()
				conn := c.conn
				c.connMu.RUnlock()
				if conn != nil {
					conn.Close()
				}
				return
			}
		case <-done:
			return
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) deliverResult(f *frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	rf := resultFrame{Result: f.Result, Success: true}
	if f.Type == "result" && f.Success != nil && !*f.Success {
		rf.Success = false
		rf.Err = &CommandError{Code: "unknown_error"}
		if f.Error != nil {
			rf.Err = &CommandError{Code: f.Error.Code, Message: f.Error.Message}
		}
	}
	ch <- rf
}

func (c *Client) handleStateChanged(ef *eventFrame) {
	ev := Event{
		EventType: ef.EventType,
		EntityID:  ef.Data.EntityID,
		OldState:  ef.Data.OldState,
		NewState:  ef.Data.NewState,
		TimeFired: ef.TimeFired,
	}

	c.stateMu.Lock()
	if ev.NewState != nil {
		c.states[ev.EntityID] = *ev.NewState
	} else {
		delete(c.states, ev.EntityID)
	}
	c.stateMu.Unlock()

	// Dispatch in bus order; subscribers must hand off quickly.
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// call sends one id-correlated command and waits for its result frame.
func (c *Client) call(ctx context.Context, msgType string, payload map[string]any) (json.RawMessage, error) {
	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	msg := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = msgType

	ch := make(chan resultFrame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("hub: write %s: %w", msgType, err)
	}

	select {
	case rf := <-ch:
		if !rf.Success {
			return nil, rf.Err
		}
		return rf.Result, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, ErrNotConnected
	}
}

// failPending unblocks callers waiting on a connection that just died.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- resultFrame{Success: false, Err: &CommandError{Code: "connection_lost"}}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// CallService invokes domain.service with data (entity_id included by the
// caller) and blocks until the hub reports completion.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	_, err := c.call(ctx, "call_service", map[string]any{
		"domain":       domain,
		"service":      service,
		"service_data": data,
	})
	return err
}

func (c *Client) refreshStates(ctx context.Context) error {
	raw, err := c.call(ctx, "get_states", nil)
	if err != nil {
		return fmt.Errorf("get_states: %w", err)
	}
	var list []State
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	fresh := make(map[string]State, len(list))
	for _, s := range list {
		fresh[s.EntityID] = s
	}
	c.stateMu.Lock()
	c.states = fresh
	c.stateMu.Unlock()
	return nil
}

// RefreshRegistries refetches the four registries. Runs at connect and
// on a timer; topology reads are served from the cache.
func (c *Client) RefreshRegistries(ctx context.Context) error {
	var entities []EntityEntry
	if err := c.callInto(ctx, "config/entity_registry/list", &entities); err != nil {
		return err
	}
	var devices []DeviceEntry
	if err := c.callInto(ctx, "config/device_registry/list", &devices); err != nil {
		return err
	}
	var areas []AreaEntry
	if err := c.callInto(ctx, "config/area_registry/list", &areas); err != nil {
		return err
	}
	var floors []FloorEntry
	if err := c.callInto(ctx, "config/floor_registry/list", &floors); err != nil {
		return err
	}

	c.regMu.Lock()
	c.entities = make(map[string]EntityEntry, len(entities))
	for _, e := range entities {
		c.entities[e.EntityID] = e
	}
	c.devices = make(map[string]DeviceEntry, len(devices))
	for _, d := range devices {
		c.devices[d.ID] = d
	}
	c.areas = make(map[string]AreaEntry, len(areas))
	for _, a := range areas {
		c.areas[a.AreaID] = a
	}
	c.floors = make(map[string]FloorEntry, len(floors))
	for _, f := range floors {
		c.floors[f.FloorID] = f
	}
	c.regMu.Unlock()
	return nil
}

// StartRegistryRefresh keeps the registry cache warm until Stop.
func (c *Client) StartRegistryRefresh() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(registryRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
				if err := c.RefreshRegistries(ctx); err != nil {
					log.Printf("[WARN] Registry refresh failed: %v", err)
				}
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Client) callInto(ctx context.Context, msgType string, out any) error {
	raw, err := c.call(ctx, msgType, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", msgType, err)
	}
	return nil
}

// State returns the cached state for one entity.
func (c *Client) State(entityID string) (State, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	s, ok := c.states[entityID]
	return s, ok
}

// States returns a copy of the state cache.
func (c *Client) States() []State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	out := make([]State, 0, len(c.states))
	for _, s := range c.states {
		out = append(out, s)
	}
	return out
}

// Entity returns the registry entry for one entity.
func (c *Client) Entity(entityID string) (EntityEntry, bool) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	e, ok := c.entities[entityID]
	return e, ok
}

// Registry returns a point-in-time copy of the registries.
func (c *Client) Registry() RegistrySnapshot {
	c.regMu.RLock()
	defer c.regMu.RUnlock()

	snap := RegistrySnapshot{
		Entities: make([]EntityEntry, 0, len(c.entities)),
		Devices:  make(map[string]DeviceEntry, len(c.devices)),
		Areas:    make(map[string]AreaEntry, len(c.areas)),
		Floors:   make(map[string]FloorEntry, len(c.floors)),
	}
	for _, e := range c.entities {
		snap.Entities = append(snap.Entities, e)
	}
	for id, d := range c.devices {
		snap.Devices[id] = d
	}
	for id, a := range c.areas {
		snap.Areas[id] = a
	}
	for id, f := range c.floors {
		snap.Floors[id] = f
	}
	return snap
}

// SubscribeStateChanges registers fn for every state_changed event. The
// returned cancel removes it.
func (c *Client) SubscribeStateChanges(fn func(Event)) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("hub url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}
