// Package realtime keeps a WebSocket connection to the server open,
// reconnecting after a fixed delay whenever it drops.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4xmen/basemapp/internal/protocol"
)

const (
	DefaultReconnectDelay = 5 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var ErrNotConnected = errors.New("realtime channel not connected")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// URLFunc resolves the endpoint before each dial, so a refreshed token is picked up.
type URLFunc func() (string, error)

type Config struct {
	// ReconnectDelay is the wait between a drop and the next attempt.
	ReconnectDelay time.Duration
	// Policy overrides the constant ReconnectDelay schedule.
	Policy backoff.BackOff
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Channel is a single reconnecting connection. Handlers run on the read
// goroutine in frame order.
type Channel struct {
	resolve URLFunc
	policy  backoff.BackOff
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	handlers   map[string][]func(*protocol.Event)
	stateHooks []func(State)

	sendMu sync.Mutex
}

func New(resolve URLFunc, cfg Config) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Policy == nil {
		cfg.Policy = backoff.NewConstantBackOff(cfg.ReconnectDelay)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Channel{
		resolve:  resolve,
		policy:   cfg.Policy,
		dialer:   cfg.Dialer,
		logger:   cfg.Logger,
		handlers: make(map[string][]func(*protocol.Event)),
	}
}

// On registers a handler for a frame type.
func (c *Channel) On(eventType string, handler func(*protocol.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// OnStateChange registers a hook called on every state transition.
func (c *Channel) OnStateChange(hook func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHooks = append(c.stateHooks, hook)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	hooks := append([]func(State){}, c.stateHooks...)
	c.mu.Unlock()

	c.logger.Debug().Str("state", s.String()).Msg("realtime state")
	for _, hook := range hooks {
		hook(s)
	}
}

// Run connects and reconnects until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	for {
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("realtime connection lost")
		}
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := c.policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("reconnect policy gave up")
		}
		c.logger.Debug().Dur("delay", wait).Msg("reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Channel) connectAndServe(ctx context.Context) error {
	c.setState(Connecting)

	endpoint, err := c.resolve()
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go c.pingLoop(conn, stop)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.policy.Reset()
	c.setState(Connected)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(data)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Channel) dispatch(data []byte) {
	event, err := protocol.DecodeEvent(data)
	if err != nil {
		c.logger.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}

	c.mu.Lock()
	handlers := c.handlers[event.Type]
	c.mu.Unlock()

	if len(handlers) == 0 {
		c.logger.Debug().Str("type", event.Type).Msg("ignoring unhandled frame")
		return
	}
	for _, h := range handlers {
		h(event)
	}
}

// Send writes one JSON frame. It fails with ErrNotConnected while the
// channel is down.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendMessage writes a send_message frame.
func (c *Channel) SendMessage(frame protocol.SendMessage) error {
	frame.Type = protocol.TypeSendMessage
	return c.Send(frame)
}
