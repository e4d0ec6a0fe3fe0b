// Package ws owns the persistent push channel: one bidirectional
// connection, a connect/authenticate/reconnect state machine, inbound
// event notifications, and an outbound send primitive with queueing.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"github.com/xipher-im/xipher/internal/bus"
	"github.com/xipher-im/xipher/internal/config"
	"github.com/xipher-im/xipher/internal/cookiejar"
	"github.com/xipher-im/xipher/internal/dto"
	"github.com/xipher-im/xipher/internal/logging"
	"github.com/xipher-im/xipher/internal/session"
	"go.uber.org/zap"
)

// State is the connection session state.
type State string

const (
	StateOffline        State = "offline"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthed         State = "authed"
	StateReconnecting   State = "reconnecting"
)

// AuthStage is the authentication sub-stage, escalated in order until
// the server acknowledges with auth_success.
type AuthStage int

const (
	// StageCookieOnly relies on ambient cookie auth; nothing is sent.
	StageCookieOnly AuthStage = iota
	// StageAuthMessage sends an explicit auth frame after connect.
	StageAuthMessage
	// StageHeaderToken forces the credential into a connection header,
	// which requires re-establishing the transport.
	StageHeaderToken
)

const (
	defaultAuthTimeout    = 1200 * time.Millisecond
	defaultTypingInterval = 2 * time.Second
	reconnectCap          = 30 * time.Second
	maxBackoffShift       = 5
	writeTimeout          = 10 * time.Second
)

// StateChange is the payload of ws.state bus events.
type StateChange struct {
	State     State
	Connected bool
}

// Receipt is the payload of ws.delivered / ws.read bus events.
type Receipt struct {
	MessageID  string
	ChatID     string
	FromUserID string
}

// Deleted is the payload of ws.deleted bus events.
type Deleted struct {
	MessageID string
	ChatID    string
}

// AvatarUpdate is the payload of ws.avatar bus events.
type AvatarUpdate struct {
	UserID    string
	AvatarURL string
}

// Conn is the transport surface the client needs; the seam exists so
// the state machine is testable without a server.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes a Conn to the push endpoint.
type Dialer func(ctx context.Context, wsURL string, header http.Header) (Conn, error)

type coderConn struct {
	c *websocket.Conn
}

func (w coderConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w coderConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w coderConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

func defaultDialer(ctx context.Context, wsURL string, header http.Header) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return coderConn{c: c}, nil
}

// Client owns the push channel connection and its outbound queue. All
// mutable state is guarded by mu; inbound frames and timer callbacks
// are serialized through it.
type Client struct {
	cfg    *config.Config
	sess   *session.Session
	jar    *cookiejar.Jar
	bus    *bus.Bus
	logger *zap.Logger
	dial   Dialer

	authTimeout    time.Duration
	typingInterval time.Duration

	mu                sync.Mutex
	conn              Conn
	connCancel        context.CancelFunc
	gen               int // connection generation; stale callbacks are dropped
	dialing           bool
	state             State
	stage             AuthStage
	authed            bool
	forceHeaderToken  bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	authTimer         *time.Timer
	pending           [][]byte
	typingLastSent    map[string]time.Time
	now               func() time.Time
}

// NewClient creates a push channel client.
func NewClient(cfg *config.Config, sess *session.Session, jar *cookiejar.Jar, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		cfg:            cfg,
		sess:           sess,
		jar:            jar,
		bus:            b,
		logger:         logger,
		dial:           defaultDialer,
		authTimeout:    defaultAuthTimeout,
		typingInterval: defaultTypingInterval,
		state:          StateOffline,
		typingLastSent: make(map[string]time.Time),
		now:            time.Now,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts a connection attempt. It is a no-op while a connection
// or dial is already in progress, and also when no auth credential
// (bearer token or session cookie) can be resolved.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked()
}

// Disconnect deliberately tears the connection down and cancels any
// pending reconnect. Connect may be called again later.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReconnectTimerLocked()
	c.stopAuthTimerLocked()
	c.teardownLocked()
	c.setStateLocked(StateOffline)
}

// Send delivers a JSON payload over the channel. If the session is not
// authenticated yet, the payload is queued (unbounded FIFO) and flushed
// in order on auth_success.
func (c *Client) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(data)
	return nil
}

// SendTyping sends a typing signal for a chat. A typing=true signal for
// the same chat key within the throttle window is suppressed;
// typing=false is never throttled.
func (c *Client) SendTyping(chatID, chatType string, isTyping bool) {
	if chatID == "" {
		return
	}
	if chatType == "" {
		chatType = "chat"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := chatType + ":" + chatID
	if isTyping {
		if last, ok := c.typingLastSent[key]; ok && c.now().Sub(last) < c.typingInterval {
			return
		}
		c.typingLastSent[key] = c.now()
	}

	flag := "0"
	if isTyping {
		flag = "1"
	}
	data, err := json.Marshal(map[string]string{
		"type":      "typing",
		"token":     c.sess.Token(),
		"chat_type": chatType,
		"chat_id":   chatID,
		"is_typing": flag,
	})
	if err != nil {
		return
	}
	c.sendLocked(data)
}

// SendReceipt sends a message_delivered or message_read receipt.
func (c *Client) SendReceipt(receiptType, messageID string) {
	if receiptType == "" || messageID == "" {
		return
	}
	data, err := json.Marshal(map[string]string{
		"type":       receiptType,
		"token":      c.sess.Token(),
		"message_id": messageID,
	})
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendLocked(data)
}

// ReconnectDelay returns the backoff delay for the given attempt count:
// min(30s, base * 2^min(attempts, 5)).
func ReconnectDelay(attempts int, base time.Duration) time.Duration {
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := base << shift
	if d > reconnectCap {
		d = reconnectCap
	}
	return d
}

func (c *Client) connectLocked() {
	if c.conn != nil || c.dialing {
		return
	}

	wsURL := c.cfg.WsURL()
	if wsURL == "" {
		c.logger.Warn("ws connect skipped: empty ws url")
		return
	}

	token := c.sess.Token()
	cookieHeader := c.cookieHeaderLocked(wsURL)
	if token == "" && cookieHeader == "" {
		c.logger.Warn("ws connect skipped: missing auth credential")
		return
	}

	header := http.Header{}
	if cookieHeader != "" {
		header.Set("Cookie", cookieHeader)
	}
	if c.forceHeaderToken && token != "" && token != session.TokenPlaceholder {
		header.Set("Authorization", "Bearer "+token)
	}

	if c.reconnectAttempts > 0 {
		c.setStateLocked(StateReconnecting)
	} else {
		c.setStateLocked(StateConnecting)
	}
	c.logger.Info("ws connecting", zap.String("url", wsURL),
		zap.Bool("header_token", c.forceHeaderToken),
		zap.String("cookies", cookiejar.RedactCookieHeader(cookieHeader)))

	c.dialing = true
	go func() {
		dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		conn, err := c.dial(dialCtx, wsURL, header)
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		c.dialing = false
		if err != nil {
			c.logger.Warn("ws dial failed", zap.Error(err))
			c.setStateLocked(StateOffline)
			c.scheduleReconnectLocked()
			return
		}
		c.gen++
		gen := c.gen
		c.conn = conn
		connCtx, connCancel := context.WithCancel(context.Background())
		c.connCancel = connCancel
		c.onConnectedLocked(gen)
		go c.readLoop(connCtx, gen, conn)
	}()
}

func (c *Client) onConnectedLocked(gen int) {
	c.authed = false
	if c.stage != StageHeaderToken {
		c.stage = StageCookieOnly
		c.forceHeaderToken = false
	}
	c.setStateLocked(StateAuthenticating)
	if c.stage == StageAuthMessage || c.stage == StageHeaderToken {
		c.sendAuthFrameLocked()
	}
	c.startAuthTimerLocked(gen)
}

func (c *Client) readLoop(ctx context.Context, gen int, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.onDisconnected(gen)
			return
		}
		c.handleInbound(gen, data)
	}
}

func (c *Client) onDisconnected(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn == nil {
		// A deliberate teardown (forced header-token re-handshake or
		// Disconnect) already advanced the generation; it owns the
		// follow-up, so no reconnect is scheduled here.
		return
	}
	c.conn = nil
	c.authed = false
	c.stopAuthTimerLocked()
	c.setStateLocked(StateOffline)
	c.scheduleReconnectLocked()
}

func (c *Client) handleInbound(gen int, data []byte) {
	parsed := gjson.ParseBytes(data)
	if !gjson.ValidBytes(data) || !parsed.IsObject() {
		c.logger.Warn("ws invalid frame", zap.String("payload", logging.RedactPayload(string(data))))
		return
	}

	switch parsed.Get("type").String() {
	case "auth_success":
		c.onAuthSuccess(gen)
	case "auth_error":
		c.onAuthError(gen, parsed.Get("error").String())
	case "new_message":
		msg := dto.ParseWsMessage(parsed, c.sess.UserID())
		c.publish(bus.KindWsMessage, msg)
	case "typing":
		c.publish(bus.KindWsTyping, dto.ParseTyping(parsed))
	case "message_delivered":
		c.publish(bus.KindWsDelivered, receiptFrom(parsed))
	case "message_read":
		c.publish(bus.KindWsRead, receiptFrom(parsed))
	case "message_deleted":
		c.publish(bus.KindWsDeleted, Deleted{
			MessageID: parsed.Get("message_id").String(),
			ChatID:    parsed.Get("chat_id").String(),
		})
	case "avatar_updated":
		c.publish(bus.KindWsAvatar, AvatarUpdate{
			UserID:    parsed.Get("user_id").String(),
			AvatarURL: parsed.Get("avatar_url").String(),
		})
	}
}

func (c *Client) onAuthSuccess(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.authed = true
	c.stopAuthTimerLocked()
	c.stopReconnectTimerLocked()
	c.reconnectAttempts = 0
	// auth_success ends a header-token escalation episode: the next
	// full reconnect starts over at the cookie stage.
	c.stage = StageCookieOnly
	c.forceHeaderToken = false
	c.setStateLocked(StateAuthed)

	queued := c.pending
	c.pending = nil
	for _, data := range queued {
		c.writeLocked(data)
	}
	c.logger.Info("ws authenticated", zap.Int("flushed", len(queued)))
}

func (c *Client) onAuthError(gen int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.authed = false
	c.logger.Warn("ws auth rejected", zap.String("reason", reason), zap.Int("stage", int(c.stage)))
	c.advanceAuthStageLocked(gen)
}

// advanceAuthStageLocked escalates to the next auth stage after a
// timeout or an explicit auth_error.
func (c *Client) advanceAuthStageLocked(gen int) {
	if c.authed || gen != c.gen {
		return
	}
	switch c.stage {
	case StageCookieOnly:
		c.stage = StageAuthMessage
		c.sendAuthFrameLocked()
		c.startAuthTimerLocked(gen)
	case StageAuthMessage:
		c.stage = StageHeaderToken
		c.forceHeaderToken = true
		c.stopAuthTimerLocked()
		c.teardownLocked()
		c.connectLocked()
	default:
		c.stopAuthTimerLocked()
		c.teardownLocked()
		c.setStateLocked(StateOffline)
		c.scheduleReconnectLocked()
	}
}

func (c *Client) sendAuthFrameLocked() {
	token := c.sess.Token()
	if token == "" {
		return
	}
	data, err := json.Marshal(map[string]string{"type": "auth", "token": token})
	if err != nil {
		return
	}
	c.writeLocked(data)
}

func (c *Client) sendLocked(data []byte) {
	if c.conn == nil || !c.authed {
		c.pending = append(c.pending, data)
		return
	}
	c.writeLocked(data)
}

func (c *Client) writeLocked(data []byte) {
	if c.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, data); err != nil {
		c.logger.Warn("ws write failed", zap.Error(err))
	}
}

func (c *Client) startAuthTimerLocked(gen int) {
	c.stopAuthTimerLocked()
	c.authTimer = time.AfterFunc(c.authTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.authTimer = nil
		c.advanceAuthStageLocked(gen)
	})
}

func (c *Client) stopAuthTimerLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// scheduleReconnectLocked arms the single reconnect timer; a call while
// one is pending is a no-op.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		return
	}
	delay := ReconnectDelay(c.reconnectAttempts, c.cfg.ReconnectBase())
	c.reconnectAttempts++
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.reconnectTimer = nil
		c.connectLocked()
	})
	c.logger.Info("ws reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", c.reconnectAttempts))
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// teardownLocked closes the transport and advances the generation so
// callbacks from the old connection are dropped.
func (c *Client) teardownLocked() {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.authed = false
	c.gen++
}

func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	c.bus.Publish(bus.Event{
		Kind:      bus.KindWsState,
		Timestamp: c.now(),
		Payload:   StateChange{State: state, Connected: state == StateAuthed},
	})
}

func (c *Client) publish(kind string, payload any) {
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: c.now(), Payload: payload})
}

func (c *Client) cookieHeaderLocked(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	return c.jar.CookieHeader(u)
}

func receiptFrom(v gjson.Result) Receipt {
	return Receipt{
		MessageID:  v.Get("message_id").String(),
		ChatID:     v.Get("chat_id").String(),
		FromUserID: v.Get("from_user_id").String(),
	}
}
