package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned when attempting a billing call while the
// gateway connection is down.
var ErrNotConnected = errors.New("billing gateway not connected")

const (
	baseReconnectDelay = 2 * time.Second
	maxReconnectDelay  = 2 * time.Minute
	reconnectJitter    = 0.1

	wsPingInterval  = 25 * time.Second
	wsPongWait      = 70 * time.Second
	wsWriteWait     = 10 * time.Second
	requestTimeout  = 15 * time.Second
	eventBufferSize = 64
)

// frame is the wire shape exchanged with the billing gateway. Incoming
// frames carry purchase events; outgoing frames carry acknowledgments and
// requests, correlated by ID.
type frame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	SKU       string           `json:"sku,omitempty"`
	Purchase  *PurchaseUpdate  `json:"purchase,omitempty"`
	Purchases []PurchaseUpdate `json:"purchases,omitempty"`
	Error     *PurchaseError   `json:"error,omitempty"`
	Message   string           `json:"message,omitempty"`
}

const (
	frameTypePurchaseUpdated    = "purchase-updated"
	frameTypePurchaseError      = "purchase-error"
	frameTypeFinishTransaction  = "finish-transaction"
	frameTypeRequestSub         = "request-subscription"
	frameTypeAvailablePurchases = "available-purchases"
	frameTypeAck                = "ack"
	frameTypeNack               = "nack"
)

// WSConfig configures the websocket billing provider.
type WSConfig struct {
	URL   string // e.g. "wss://billing.example.com/v1/stream"
	Token string // bearer token for the gateway handshake
}

// WSProvider implements Provider over a persistent websocket connection to
// the billing gateway, reconnecting with exponential backoff.
type WSProvider struct {
	cfg WSConfig

	updates chan PurchaseUpdate
	errs    chan PurchaseError

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan frame

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSProvider creates the provider and starts its connection loop.
func NewWSProvider(ctx context.Context, cfg WSConfig) (*WSProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("billing gateway URL is required")
	}

	p := &WSProvider{
		cfg:     cfg,
		updates: make(chan PurchaseUpdate, eventBufferSize),
		errs:    make(chan PurchaseError, eventBufferSize),
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
	return p, nil
}

// PurchaseUpdates implements Provider.
func (p *WSProvider) PurchaseUpdates() <-chan PurchaseUpdate { return p.updates }

// PurchaseErrors implements Provider.
func (p *WSProvider) PurchaseErrors() <-chan PurchaseError { return p.errs }

// run is the reconnect loop. Exits when ctx is cancelled.
func (p *WSProvider) run(ctx context.Context) {
	defer close(p.done)

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := p.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		consecutiveFailures++

		delay := reconnectDelay(consecutiveFailures)
		log.Warn().
			Err(err).
			Dur("retryIn", delay).
			Msg("Billing gateway connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func reconnectDelay(failures int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(failures-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	// Jitter so restarting fleets do not reconnect in lockstep
	delay *= 1 + (rand.Float64()*2-1)*reconnectJitter
	return time.Duration(delay)
}

func (p *WSProvider) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial billing gateway: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()

	log.Info().Str("url", p.cfg.URL).Msg("Connected to billing gateway")

	defer func() {
		p.mu.Lock()
		p.connected = false
		p.conn = nil
		// Fail pending requests so callers do not hang across a reconnect
		for id, ch := range p.pending {
			close(ch)
			delete(p.pending, id)
		}
		p.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go p.pingLoop(pingCtx, conn)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read billing frame: %w", err)
		}
		p.dispatch(ctx, f)
	}
}

func (p *WSProvider) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			p.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (p *WSProvider) dispatch(ctx context.Context, f frame) {
	switch f.Type {
	case frameTypePurchaseUpdated:
		if f.Purchase == nil {
			return
		}
		select {
		case p.updates <- *f.Purchase:
		case <-ctx.Done():
		}
	case frameTypePurchaseError:
		if f.Error == nil {
			return
		}
		select {
		case p.errs <- *f.Error:
		case <-ctx.Done():
		}
	case frameTypeAck, frameTypeNack, frameTypeAvailablePurchases:
		p.mu.Lock()
		ch, ok := p.pending[f.ID]
		if ok {
			delete(p.pending, f.ID)
		}
		p.mu.Unlock()
		if ok {
			ch <- f
			close(ch)
		}
	default:
		log.Debug().Str("type", f.Type).Msg("Ignoring unknown billing frame")
	}
}

// request sends a frame and waits for its correlated response.
func (p *WSProvider) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	p.mu.Lock()
	if !p.connected || p.conn == nil {
		p.mu.Unlock()
		return frame{}, ErrNotConnected
	}
	p.pending[f.ID] = ch
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := p.conn.WriteJSON(f)
	p.mu.Unlock()

	if err != nil {
		p.mu.Lock()
		delete(p.pending, f.ID)
		p.mu.Unlock()
		return frame{}, fmt.Errorf("write billing frame: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		p.mu.Lock()
		delete(p.pending, f.ID)
		p.mu.Unlock()
		return frame{}, fmt.Errorf("billing gateway did not respond within %s", requestTimeout)
	case resp, ok := <-ch:
		if !ok {
			return frame{}, ErrNotConnected
		}
		if resp.Type == frameTypeNack {
			return frame{}, fmt.Errorf("billing gateway rejected request: %s", resp.Message)
		}
		return resp, nil
	}
}

// FinishTransaction implements Provider.
func (p *WSProvider) FinishTransaction(ctx context.Context, ev PurchaseEvent) error {
	_, err := p.request(ctx, frame{
		Type: frameTypeFinishTransaction,
		Purchase: &PurchaseUpdate{
			ProductID:     ev.ProductID,
			TransactionID: ev.TransactionID,
			PurchaseToken: ev.Receipt,
		},
	})
	return err
}

// GetAvailablePurchases implements Provider.
func (p *WSProvider) GetAvailablePurchases(ctx context.Context) ([]PurchaseUpdate, error) {
	resp, err := p.request(ctx, frame{Type: frameTypeAvailablePurchases})
	if err != nil {
		return nil, err
	}
	return resp.Purchases, nil
}

// RequestSubscription implements Provider.
func (p *WSProvider) RequestSubscription(ctx context.Context, sku string) error {
	_, err := p.request(ctx, frame{Type: frameTypeRequestSub, SKU: sku})
	return err
}

// Close implements Provider.
func (p *WSProvider) Close() error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

var _ Provider = (*WSProvider)(nil)
