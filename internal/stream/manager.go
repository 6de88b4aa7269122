// Package stream owns the lifecycle of the push-feed connection.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"fundingflow/internal/metrics"
	"fundingflow/internal/models"
	"fundingflow/logger"
)

var (
	ErrAlreadyStarted = errors.New("stream manager already started")
	ErrClosed         = errors.New("stream manager closed")
)

// Sink receives every message read from the feed. It must not block.
type Sink interface {
	SendRaw(ctx context.Context, batch models.RawBatch) bool
}

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
}

// Status is the externally observable side of the state machine.
type Status struct {
	Connected         bool
	State             State
	LastUpdate        time.Time
	ReconnectAttempts int
}

// Manager connects to the feed, forwards messages to its sink and reconnects
// with bounded exponential backoff. After MaxAttempts consecutive failures it
// parks in Failed until stopped.
type Manager struct {
	cfg    Config
	sink   Sink
	dialer *websocket.Dialer
	delays *backoff.Backoff
	log    *logger.Log

	mu         sync.RWMutex
	state      State
	lastUpdate time.Time
	attempts   int
	started    bool
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
}

func NewManager(cfg Config, sink Sink) *Manager {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor < 1 {
		cfg.Factor = 2
	}
	return &Manager{
		cfg:  cfg,
		sink: sink,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		delays: &backoff.Backoff{
			Min:    cfg.BaseDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.Factor,
			Jitter: cfg.Jitter,
		},
		log:        logger.GetLogger(),
		state:      Disconnected,
		lastUpdate: time.Now(),
		done:       make(chan struct{}),
	}
}

// Start moves the manager from Disconnected to Connecting and runs the
// connection loop until ctx is cancelled, Stop is called or attempts run out.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.log.WithComponent("stream").WithFields(logger.Fields{
		"url":          m.cfg.URL,
		"max_attempts": m.cfg.MaxAttempts,
	}).Info("starting feed connection")

	go m.run(runCtx)
	return nil
}

// Stop closes the connection, cancels any pending reconnect delay and moves
// to Closed. Repeated calls are no-ops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel, started := m.cancel, m.started
		if !started {
			// Start now returns ErrClosed, so run never closes done.
			m.transition(Closed)
			close(m.done)
		}
		m.mu.Unlock()

		if started {
			cancel()
			<-m.done
		}
		m.setState(Closed)
		metrics.SetConnected(false)
		m.log.WithComponent("stream").Info("feed connection closed")
	})
}

// Done is closed when the connection loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Connected:         m.state == Connected,
		State:             m.state,
		LastUpdate:        m.lastUpdate,
		ReconnectAttempts: m.attempts,
	}
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		if !m.state.Terminal() {
			m.transition(Disconnected)
		}
		m.mu.Unlock()
		close(m.done)
	}()
	log := m.log.WithComponent("stream").WithFields(logger.Fields{"url": m.cfg.URL})

	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(Connecting)

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect to feed")
			if !m.retry(ctx) {
				return
			}
			continue
		}

		m.opened()
		log.Info("feed connected")

		err = m.read(ctx, conn)
		metrics.SetConnected(false)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("feed connection lost")
		if !m.retry(ctx) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", m.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

// read forwards messages until the connection fails or ctx ends.
func (m *Manager) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		if m.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		now := time.Now()
		m.touch(now)
		m.sink.SendRaw(ctx, models.RawBatch{Payload: data, ReceivedAt: now})
	}
}

// retry records a failure and either waits out the backoff delay (true) or
// gives up (false) because attempts ran out or ctx ended.
func (m *Manager) retry(ctx context.Context) bool {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return false
	}
	m.attempts++
	attempt := m.attempts
	if attempt >= m.cfg.MaxAttempts {
		m.transition(Failed)
		m.mu.Unlock()
		metrics.SetConnected(false)
		m.log.WithComponent("stream").WithFields(logger.Fields{"attempts": attempt}).Error("reconnect attempts exhausted; feed connection failed")
		return false
	}
	m.transition(Reconnecting)
	m.mu.Unlock()

	delay := m.delays.ForAttempt(float64(attempt - 1))
	metrics.RecordReconnect()
	m.log.WithComponent("stream").WithFields(logger.Fields{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}).Info("scheduling reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) opened() {
	m.mu.Lock()
	m.attempts = 0
	m.transition(Connected)
	m.mu.Unlock()
	metrics.SetConnected(true)
}

func (m *Manager) touch(at time.Time) {
	m.mu.Lock()
	m.lastUpdate = at
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.transition(s)
	m.mu.Unlock()
}

// transition must be called with mu held. Closed is never left.
func (m *Manager) transition(s State) {
	if m.state == Closed || m.state == s {
		return
	}
	m.state = s
	m.lastUpdate = time.Now()
}
