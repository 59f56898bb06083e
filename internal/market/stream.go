package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/pkg/auth"
	"execution-core/pkg/ratelimit"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultRetryDelay is the fixed wait between reconnect attempts.
const DefaultRetryDelay = 5 * time.Second

// Publisher receives decoded events.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Gate rate-limits connection setup.
type Gate interface {
	Acquire(ctx context.Context, class ratelimit.APIClass) error
}

// TokenSource supplies a fresh credential for each reconnect.
type TokenSource interface {
	GetValidToken(ctx context.Context) (auth.Credential, error)
}

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	URL          string
	RetryDelay   time.Duration
	Group        string   // subscription group number
	Types        []string // frame types requested per instrument
	WriteTimeout time.Duration
}

// StreamClient keeps one websocket session alive, decodes frames onto the
// bus and re-registers every subscribed instrument after a reconnect.
type StreamClient struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	bus    Publisher
	gate   Gate
	tokens TokenSource
	logger *zap.Logger
	now    func() time.Time

	state atomic.Int32

	mu     sync.Mutex
	subs   map[string]struct{}
	conn   *websocket.Conn
	token  string
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

func NewStreamClient(cfg StreamConfig, bus Publisher, logger *zap.Logger) *StreamClient {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Group == "" {
		cfg.Group = "1"
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []string{TypeTick, TypeProgram, TypeVI}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		bus:    bus,
		logger: logger,
		now:    time.Now,
		subs:   make(map[string]struct{}),
	}
}

// SetGate makes connection setup wait on the MARKET_DATA bucket.
func (c *StreamClient) SetGate(g Gate) { c.gate = g }

// SetTokenSource lets reconnects pick up a renewed credential.
func (c *StreamClient) SetTokenSource(ts TokenSource) { c.tokens = ts }

// Connect starts the session loop. It is a no-op while a session is running.
func (c *StreamClient) Connect(cred auth.Credential) error {
	if c.cfg.URL == "" {
		return errors.New("stream: url not configured")
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.token = cred.Value
	done := c.done
	c.mu.Unlock()

	go c.run(ctx, done)
	return nil
}

// Disconnect ends the session loop, including a pending retry wait, and
// clears the subscription set. It returns once the loop has exited.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
		<-done
	}
	c.setState(StateDisconnected)
	c.logger.Info("stream disconnected")
}

// Subscribe adds instrument to the set and registers it on a live session.
func (c *StreamClient) Subscribe(instrument string) error {
	c.mu.Lock()
	if _, ok := c.subs[instrument]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subs[instrument] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(conn, "REG", []string{instrument})
}

// Unsubscribe removes instrument from the set.
func (c *StreamClient) Unsubscribe(instrument string) error {
	c.mu.Lock()
	if _, ok := c.subs[instrument]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, instrument)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(conn, "REMOVE", []string{instrument})
}

func (c *StreamClient) IsConnected() bool { return c.State() == StateConnected }

func (c *StreamClient) State() State { return State(c.state.Load()) }

func (c *StreamClient) SubscribedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Subscribed returns the sorted subscription set.
func (c *StreamClient) Subscribed() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *StreamClient) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c.setState(StateConnecting)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.setState(StateRetryWait)
		monitor.StreamReconnects.Inc()
		c.logger.Warn("stream session ended, retrying",
			zap.Error(err),
			zap.Duration("delay", c.cfg.RetryDelay),
		)

		t := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *StreamClient) session(ctx context.Context) error {
	if c.gate != nil {
		if err := c.gate.Acquire(ctx, ratelimit.MarketData); err != nil {
			return err
		}
	}
	if c.tokens != nil {
		if cred, err := c.tokens.GetValidToken(ctx); err == nil {
			c.mu.Lock()
			c.token = cred.Value
			c.mu.Unlock()
		} else {
			c.logger.Warn("stream token refresh failed, reusing previous", zap.Error(err))
		}
	}

	target, err := c.dialURL()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	instruments := make([]string, 0, len(c.subs))
	for s := range c.subs {
		instruments = append(instruments, s)
	}
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.setState(StateConnected)
	c.logger.Info("stream connected", zap.Int("subscriptions", len(instruments)))

	if len(instruments) > 0 {
		sort.Strings(instruments)
		if err := c.send(conn, "REG", instruments); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		c.handleFrame(conn, msg)
	}
}

type control struct {
	Trnm       string `json:"trnm"`
	ReturnCode *int   `json:"return_code,omitempty"`
	ReturnMsg  string `json:"return_msg,omitempty"`
}

// handleFrame never lets one bad frame end the session.
func (c *StreamClient) handleFrame(conn *websocket.Conn, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			monitor.FramesDropped.WithLabelValues("panic").Inc()
			c.logger.Error("stream frame handler panic", zap.Any("panic", r), zap.ByteString("frame", msg))
		}
	}()

	var ctl control
	if err := json.Unmarshal(msg, &ctl); err == nil && ctl.Trnm != "" {
		c.handleControl(conn, ctl, msg)
		return
	}

	ev, err := Decode(msg, c.now())
	if err != nil {
		if errors.Is(err, ErrUnknownFrame) {
			monitor.FramesDropped.WithLabelValues("unknown").Inc()
			c.logger.Debug("stream frame ignored", zap.Error(err))
			return
		}
		monitor.FramesDropped.WithLabelValues("malformed").Inc()
		c.logger.Warn("stream frame dropped", zap.Error(err), zap.ByteString("frame", msg))
		return
	}

	monitor.FramesTotal.WithLabelValues(ev.Type()).Inc()
	if c.bus != nil {
		c.bus.Publish(events.EventMarketData, ev)
	}
}

func (c *StreamClient) handleControl(conn *websocket.Conn, ctl control, raw []byte) {
	switch ctl.Trnm {
	case "PING":
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.logger.Warn("stream pong failed", zap.Error(err))
		}
	case "REG", "REMOVE":
		if ctl.ReturnCode != nil && *ctl.ReturnCode != 0 {
			c.logger.Warn("stream subscription rejected",
				zap.String("trnm", ctl.Trnm),
				zap.Int("code", *ctl.ReturnCode),
				zap.String("msg", ctl.ReturnMsg),
			)
		}
	default:
		c.logger.Debug("stream control frame", zap.String("trnm", ctl.Trnm))
	}
}

type subscribeItem struct {
	Item []string `json:"item"`
	Type []string `json:"type"`
}

type subscribeMessage struct {
	Trnm    string          `json:"trnm"`
	GrpNo   string          `json:"grp_no"`
	Refresh string          `json:"refresh,omitempty"`
	Data    []subscribeItem `json:"data"`
}

func (c *StreamClient) send(conn *websocket.Conn, trnm string, instruments []string) error {
	msg := subscribeMessage{
		Trnm:  trnm,
		GrpNo: c.cfg.Group,
		Data:  []subscribeItem{{Item: instruments, Type: c.cfg.Types}},
	}
	if trnm == "REG" {
		msg.Refresh = "1"
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Warn("stream write failed", zap.String("trnm", trnm), zap.Error(err))
		return fmt.Errorf("stream %s: %w", trnm, err)
	}
	c.logger.Debug("stream subscription sent", zap.String("trnm", trnm), zap.Strings("instruments", instruments))
	return nil
}

func (c *StreamClient) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *StreamClient) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == StateConnected {
		monitor.StreamConnected.Set(1)
	} else if prev == StateConnected {
		monitor.StreamConnected.Set(0)
	}
	if c.bus != nil {
		c.bus.Publish(events.EventStreamState, s)
	}
}
