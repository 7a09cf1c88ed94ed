// Package bridge implements the billing.Platform contract over a websocket
// connection to the on-device store bridge. The bridge fronts the native
// store SDK and relays purchase lifecycle events as JSON frames.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/courtside-app/entitlements/internal/billing"
)

const (
	writeWait      = 10 * time.Second
	helloWait      = 10 * time.Second
	defaultCallTTL = 20 * time.Second
)

// Frame is the wire format shared by requests, responses, and events.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// FrameError is the bridge-side error payload.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type helloPayload struct {
	Capabilities []string `json:"capabilities"`
	BundleID     string   `json:"bundleId"`
}

// Client speaks the bridge protocol. It satisfies billing.Platform plus every
// capability interface; methods the connected bridge did not declare in its
// hello frame return billing.ErrNotSupported.
type Client struct {
	url            string
	expectedBundle string
	dialer         *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	capabilities   map[string]bool
	pending        map[string]chan Frame
	bundleMismatch bool
	onDisconnect   func()

	// events belongs to the current connection; Connect replaces it and
	// the read loop closes it when that connection ends.
	events chan billing.Event

	writeMu sync.Mutex
}

var _ billing.Platform = (*Client)(nil)
var _ billing.DisconnectNotifier = (*Client)(nil)
var _ billing.ProductDetailFetcher = (*Client)(nil)
var _ billing.SubscriptionBatchFetcher = (*Client)(nil)
var _ billing.LegacyItemFetcher = (*Client)(nil)
var _ billing.LedgerReader = (*Client)(nil)
var _ billing.Purchaser = (*Client)(nil)
var _ billing.Finalizer = (*Client)(nil)
var _ billing.EventSource = (*Client)(nil)

// New creates an unconnected client. An empty URL means the bridge is not
// shipped on this build channel; Connect reports platform absence.
func New(url, expectedBundle string) *Client {
	return &Client{
		url:            url,
		expectedBundle: expectedBundle,
		dialer:         websocket.DefaultDialer,
		pending:        make(map[string]chan Frame),
		events:         make(chan billing.Event, 32),
	}
}

// Connect dials the bridge and waits for its hello frame, which declares the
// method set this bridge supports.
func (c *Client) Connect(ctx context.Context) error {
	if c.url == "" {
		return billing.ErrPlatformAbsent
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial store bridge: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(helloWait)); err != nil {
		conn.Close()
		return fmt.Errorf("set hello deadline: %w", err)
	}
	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("read bridge hello: %w", err)
	}
	if hello.Event != "hello" {
		conn.Close()
		return fmt.Errorf("unexpected first frame %q from bridge", hello.Event)
	}
	var payload helloPayload
	if len(hello.Params) > 0 {
		if err := json.Unmarshal(hello.Params, &payload); err != nil {
			conn.Close()
			return fmt.Errorf("decode bridge hello: %w", err)
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	caps := make(map[string]bool, len(payload.Capabilities))
	for _, name := range payload.Capabilities {
		caps[name] = true
	}

	mismatch := c.expectedBundle != "" && payload.BundleID != "" && payload.BundleID != c.expectedBundle
	if mismatch {
		log.Warn().
			Str("expected", c.expectedBundle).
			Str("reported", payload.BundleID).
			Msg("Store bridge reports a different bundle id; catalog lookups may miss")
	}

	events := make(chan billing.Event, 32)

	c.mu.Lock()
	c.conn = conn
	c.capabilities = caps
	c.bundleMismatch = mismatch
	c.events = events
	c.mu.Unlock()

	go c.readLoop(conn, events)

	log.Debug().Strs("capabilities", payload.Capabilities).Msg("Store bridge connected")
	return nil
}

// Disconnect closes the websocket. Pending calls fail with ErrNotConnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// BundleMismatch reports whether the bridge declared a bundle id different
// from the one this build expects.
func (c *Client) BundleMismatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundleMismatch
}

func (c *Client) readLoop(conn *websocket.Conn, events chan billing.Event) {
	defer func() {
		c.mu.Lock()
		wasCurrent := c.conn == conn
		if wasCurrent {
			c.conn = nil
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
		}
		notify := c.onDisconnect
		c.mu.Unlock()

		close(events)
		// A superseded read loop must not reset state a newer connection
		// established.
		if wasCurrent && notify != nil {
			notify()
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Store bridge read failed; connection lost")
			}
			return
		}

		switch {
		case frame.Event != "":
			c.dispatchEvent(frame, events)
		case frame.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
				close(ch)
			}
		}
	}
}

func (c *Client) dispatchEvent(frame Frame, events chan billing.Event) {
	switch frame.Event {
	case "purchase_updated":
		var purchase billing.RawPurchase
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &purchase); err != nil {
				log.Warn().Err(err).Msg("Undecodable purchase_updated payload from bridge")
				return
			}
		}
		events <- billing.Event{Type: billing.EventPurchaseUpdated, Purchase: purchase}
	case "purchase_error":
		var payload struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			Cancelled bool   `json:"cancelled"`
		}
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &payload); err != nil {
				log.Warn().Err(err).Msg("Undecodable purchase_error payload from bridge")
				return
			}
		}
		cancelled := payload.Cancelled || payload.Code == "user_cancelled" || payload.Code == "E_USER_CANCELLED"
		events <- billing.Event{Type: billing.EventPurchaseError, Err: &billing.PurchaseError{
			Code:      payload.Code,
			Message:   payload.Message,
			Cancelled: cancelled,
		}}
	default:
		log.Debug().Str("event", frame.Event).Msg("Ignoring unknown bridge event")
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, billing.ErrNotConnected
	}
	if c.capabilities != nil && !c.capabilities[method] {
		c.mu.Unlock()
		return nil, billing.ErrNotSupported
	}
	id := uuid.NewString()
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			c.dropPending(id)
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = data
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(Frame{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTTL)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case frame, ok := <-ch:
		if !ok {
			return nil, billing.ErrNotConnected
		}
		if frame.Error != nil {
			if frame.Error.Code == "not_supported" {
				return nil, billing.ErrNotSupported
			}
			return nil, fmt.Errorf("bridge %s: %s (%s)", method, frame.Error.Message, frame.Error.Code)
		}
		return frame.Result, nil
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) fetchProducts(ctx context.Context, method string, skus []string) ([]billing.RawProduct, error) {
	result, err := c.call(ctx, method, map[string]any{"skus": skus})
	if err != nil {
		return nil, err
	}
	var products []billing.RawProduct
	if err := json.Unmarshal(result, &products); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	return products, nil
}

// FetchProductDetails is catalog fetch shape A.
func (c *Client) FetchProductDetails(ctx context.Context, skus []string) ([]billing.RawProduct, error) {
	return c.fetchProducts(ctx, "fetchProductDetails", skus)
}

// GetSubscriptions is catalog fetch shape B.
func (c *Client) GetSubscriptions(ctx context.Context, skus []string) ([]billing.RawProduct, error) {
	return c.fetchProducts(ctx, "getSubscriptions", skus)
}

// GetItems is catalog fetch shape C.
func (c *Client) GetItems(ctx context.Context, skus []string) ([]billing.RawProduct, error) {
	return c.fetchProducts(ctx, "getItems", skus)
}

// AvailablePurchases reads the device purchase ledger.
func (c *Client) AvailablePurchases(ctx context.Context, activeOnly bool) ([]billing.RawPurchase, error) {
	result, err := c.call(ctx, "getAvailablePurchases", map[string]any{"activeOnly": activeOnly})
	if err != nil {
		return nil, err
	}
	var purchases []billing.RawPurchase
	if err := json.Unmarshal(result, &purchases); err != nil {
		return nil, fmt.Errorf("decode purchase ledger: %w", err)
	}
	return purchases, nil
}

// RequestPurchase starts a purchase flow; completion arrives as an event.
func (c *Client) RequestPurchase(ctx context.Context, productID string) error {
	_, err := c.call(ctx, "requestPurchase", map[string]any{"sku": productID})
	return err
}

// FinalizeTransaction acknowledges a completed transaction.
func (c *Client) FinalizeTransaction(ctx context.Context, receiptToken string) error {
	_, err := c.call(ctx, "finishTransaction", map[string]any{"token": receiptToken})
	return err
}

// Events returns the event channel of the current connection. The channel
// closes when that connection ends; after a reconnect, call Events again for
// the replacement.
func (c *Client) Events() <-chan billing.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// OnDisconnect registers a hook invoked when an established connection is
// lost, deliberately or not.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}
