package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftwire/driftwire/pkg/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	clientPongWait          = 60 * time.Second
)

// Options tunes the client. The zero value is usable.
type Options struct {
	Logger           zerolog.Logger
	HandshakeTimeout time.Duration
	// MaxReconnectWait caps the redial backoff. Zero means 30s.
	MaxReconnectWait time.Duration
}

// Capabilities is the operation listing from handshake_ack.
type Capabilities struct {
	Version       int
	Queries       []string
	Mutations     []string
	Subscriptions []string
}

// Client is a connected driftwire endpoint. Safe for concurrent use; all
// writes to the socket are serialized.
type Client struct {
	url  string
	opts Options

	logger zerolog.Logger
	subs   *Registry

	writeMu sync.Mutex
	conn    *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan any // query/mutation id -> Data or ErrorFrame

	caps   Capabilities
	nextID uint64

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Dial connects, performs the handshake and starts the read loop.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.MaxReconnectWait <= 0 {
		opts.MaxReconnectWait = 30 * time.Second
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     url,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "driftwire_client").Logger(),
		subs:    NewRegistry(opts.Logger),
		pending: make(map[string]chan any),
		ctx:     runCtx,
		cancel:  cancel,
	}

	conn, err := c.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// connect dials and completes the handshake on a fresh socket.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	hsID := c.newID()
	if err := conn.WriteJSON(protocol.NewHandshake(hsID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("client: await handshake_ack: %w", err)
		}
		frame, err := protocol.DecodeServerFrame(raw)
		if err != nil {
			continue
		}
		switch f := frame.(type) {
		case *protocol.HandshakeAck:
			c.caps = Capabilities{
				Version:       f.Version,
				Queries:       f.Queries,
				Mutations:     f.Mutations,
				Subscriptions: f.Subscriptions,
			}
			conn.SetReadDeadline(time.Now().Add(clientPongWait))
			return conn, nil
		case *protocol.ErrorFrame:
			conn.Close()
			return nil, f.Error
		}
	}
}

// Capabilities returns the server's operation listing.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

// Subscriptions exposes the registry, mainly for stats.
func (c *Client) Subscriptions() *Registry {
	return c.subs
}

// Close tears the client down. Observers receive no further events.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.subs.Clear()
	return nil
}

// Query runs a named query and returns the raw result payload.
func (c *Client) Query(ctx context.Context, name string, input any, sel protocol.SelectTree) (json.RawMessage, error) {
	return c.request(ctx, protocol.TypeQuery, name, input, sel)
}

// Mutate runs a named mutation.
func (c *Client) Mutate(ctx context.Context, name string, input any, sel protocol.SelectTree) (json.RawMessage, error) {
	return c.request(ctx, protocol.TypeMutation, name, input, sel)
}

func (c *Client) request(ctx context.Context, kind, name string, input any, sel protocol.SelectTree) (json.RawMessage, error) {
	rawInput, err := marshalInput(input)
	if err != nil {
		return nil, err
	}

	id := c.newID()
	ch := make(chan any, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(protocol.Query{Type: kind, ID: id, Name: name, Input: rawInput, Select: sel}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client: closed")
	case resp := <-ch:
		switch f := resp.(type) {
		case *protocol.Data:
			return f.Data, nil
		case *protocol.ErrorFrame:
			return nil, f.Error
		default:
			return nil, fmt.Errorf("client: unexpected response %T", resp)
		}
	}
}

// Subscribe opens a subscription and returns its cancel handle. Updates
// flow to the observer from the read loop.
func (c *Client) Subscribe(name string, input any, fields protocol.FieldSet, obs Observer) (*Subscription, error) {
	rawInput, err := marshalInput(input)
	if err != nil {
		return nil, err
	}
	id := c.newID()
	if err := c.subs.Register(id, name, rawInput, fields, obs); err != nil {
		return nil, err
	}
	if err := c.writeFrame(protocol.Subscribe{Type: protocol.TypeSubscribe, ID: id, Name: name, Input: rawInput, Fields: fields}); err != nil {
		c.subs.Remove(id)
		return nil, err
	}
	return &Subscription{id: id, client: c}, nil
}

func (c *Client) writeFrame(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("client: write frame: %w", err)
	}
	return nil
}

// readLoop consumes server frames until the socket dies, then drives the
// reconnect protocol unless the client was closed.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			conn.SetReadDeadline(time.Now().Add(clientPongWait))
			c.handleFrame(raw)
		}

		if c.closed.Load() {
			return
		}

		c.subs.MarkAllReconnecting()
		c.failPending(fmt.Errorf("client: connection lost"))
		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) handleFrame(raw []byte) {
	frame, err := protocol.DecodeServerFrame(raw)
	if err != nil {
		c.logger.Debug().Err(err).Msg("undecodable server frame dropped")
		return
	}

	switch f := frame.(type) {
	case *protocol.Data:
		c.deliverPending(f.ID, f)
	case *protocol.ErrorFrame:
		if !c.deliverPending(f.ID, f) {
			// Error addressed to a subscription is terminal for it.
			c.subs.Fail(f.ID, f.Error)
		}
	case *protocol.SubscriptionAck:
		c.subs.Activate(f)
	case *protocol.UpdateFrame:
		if err := c.subs.ApplyUpdate(f); err != nil {
			c.logger.Warn().Err(err).Str("sub_id", f.ID).Msg("update apply failed, requesting snapshot")
			c.refetch(f)
		}
	case *protocol.Complete:
		c.subs.Complete(f.ID)
	case *protocol.ReconnectAck:
		for id, result := range f.Results {
			c.subs.ApplyReconnectResult(id, result)
		}
	}
}

// refetch requests a full snapshot for one broken subscription by sending
// a reconnect with version 0, which can only resolve to snapshot or
// deleted. The field filter rides along so the rebased subscription keeps
// its scope.
func (c *Client) refetch(f *protocol.UpdateFrame) {
	fields, _ := c.subs.Fields(f.ID)
	req := protocol.Reconnect{
		Type:            protocol.TypeReconnect,
		ProtocolVersion: protocol.Version,
		ReconnectID:     uuid.NewString(),
		ClientTime:      time.Now().UnixMilli(),
		Subscriptions: []protocol.ReconnectSubscription{{
			ID:       f.ID,
			Entity:   f.Entity,
			EntityID: f.EntityID,
			Fields:   fields,
			Version:  0,
		}},
	}
	if err := c.writeFrame(req); err != nil {
		c.logger.Warn().Err(err).Str("sub_id", f.ID).Msg("snapshot refetch failed")
	}
}

// reconnect redials with exponential backoff, then replays the handshake
// and one reconnect frame restoring every subscription. False means the
// client was closed while waiting.
func (c *Client) reconnect() bool {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.opts.MaxReconnectWait
	policy.MaxElapsedTime = 0 // retry until closed

	conn, err := backoff.RetryWithData(func() (*websocket.Conn, error) {
		if c.closed.Load() {
			return nil, backoff.Permanent(fmt.Errorf("client closed"))
		}
		return c.connect(c.ctx)
	}, backoff.WithContext(policy, c.ctx))
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	subs := c.subs.SnapshotForReconnect()
	if len(subs) > 0 {
		req := protocol.Reconnect{
			Type:            protocol.TypeReconnect,
			ProtocolVersion: protocol.Version,
			ReconnectID:     uuid.NewString(),
			ClientTime:      time.Now().UnixMilli(),
			Subscriptions:   subs,
		}
		if err := c.writeFrame(req); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect frame failed, will retry on next drop")
		}
	}

	// Subscriptions still awaiting their first ack have no cursor to
	// resume from; replay their subscribe requests instead.
	for _, sf := range c.subs.PendingResubscribes() {
		if err := c.writeFrame(sf); err != nil {
			c.logger.Warn().Err(err).Str("sub_id", sf.ID).Msg("resubscribe failed, will retry on next drop")
		}
	}
	c.logger.Info().Int("subscriptions", len(subs)).Msg("reconnected")
	return true
}

func (c *Client) deliverPending(id string, frame any) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- &protocol.ErrorFrame{
			Type:  protocol.TypeError,
			ID:    id,
			Error: protocol.NewError(protocol.CodeInternalError, err.Error()),
		}:
		default:
		}
	}
}

func (c *Client) newID() string {
	return strconv.FormatUint(atomic.AddUint64(&c.nextID, 1), 10)
}

func marshalInput(input any) (json.RawMessage, error) {
	if input == nil {
		return nil, nil
	}
	if raw, ok := input.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("client: marshal input: %w", err)
	}
	return raw, nil
}
