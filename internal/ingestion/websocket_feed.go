package ingestion

import (
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/monitor"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WebsocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	// ReadTimeout bounds silence on the socket; the ledger closes roughly
	// every few seconds so a healthy stream is never quiet this long.
	ReadTimeout time.Duration
	BufferSize  int
}

func DefaultWebsocketConfig(url string) WebsocketConfig {
	return WebsocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
		BufferSize:       512,
	}
}

// WebsocketFeed subscribes to validated transactions for a set of accounts
// over the ledger node's websocket API.
type WebsocketFeed struct {
	cfg    WebsocketConfig
	dialer *websocket.Dialer
	logger zerolog.Logger
}

var _ monitor.Feed = (*WebsocketFeed)(nil)

func NewWebsocketFeed(cfg WebsocketConfig, logger zerolog.Logger) *WebsocketFeed {
	def := DefaultWebsocketConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &WebsocketFeed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger,
	}
}

type subscribeCommand struct {
	ID       int64    `json:"id"`
	Command  string   `json:"command"`
	Accounts []string `json:"accounts,omitempty"`
	Streams  []string `json:"streams,omitempty"`
}

const subscribeID = 1

// Subscribe dials the node and waits for the subscription to be
// acknowledged before returning.
func (f *WebsocketFeed) Subscribe(ctx context.Context, accounts []string) (monitor.Subscription, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}

	cmd := subscribeCommand{ID: subscribeID, Command: "subscribe", Accounts: accounts, Streams: []string{"ledger"}}
	conn.SetWriteDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	sub := &wsSubscription{
		conn:   conn,
		txs:    make(chan ledger.Transaction, f.cfg.BufferSize),
		done:   make(chan struct{}),
		ackCh:  make(chan error, 1),
		cfg:    f.cfg,
		logger: f.logger,
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})

	go sub.readLoop()
	go sub.pingLoop()

	select {
	case err := <-sub.ackCh:
		if err != nil {
			sub.Close()
			return nil, err
		}
	case <-ctx.Done():
		sub.Close()
		return nil, ctx.Err()
	case <-time.After(f.cfg.HandshakeTimeout):
		sub.Close()
		return nil, errors.New("subscribe: no acknowledgement from ledger node")
	}

	f.logger.Info().Str("url", f.cfg.URL).Strs("accounts", accounts).Msg("websocket subscription active")
	return sub, nil
}

type wsSubscription struct {
	conn  *websocket.Conn
	txs   chan ledger.Transaction
	done  chan struct{}
	ackCh chan error
	acked bool

	closeOnce sync.Once
	writeMu   sync.Mutex

	mu  sync.Mutex
	err error

	cfg    WebsocketConfig
	logger zerolog.Logger
}

func (s *wsSubscription) Transactions() <-chan ledger.Transaction { return s.txs }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSubscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *wsSubscription) ack(err error) {
	if s.acked {
		return
	}
	s.acked = true
	s.ackCh <- err
}

func (s *wsSubscription) readLoop() {
	defer close(s.txs)
	defer s.ack(errors.New("subscribe: connection closed before acknowledgement"))

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("websocket read: %w", err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		msg, err := ParseStreamMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed stream message")
			continue
		}

		switch msg.Kind {
		case MessageResponse:
			if msg.ResponseID == subscribeID {
				if msg.Status != "success" {
					s.ack(fmt.Errorf("subscribe rejected: %s", msg.Error))
					return
				}
				s.ack(nil)
			}
		case MessageTransaction:
			if !msg.Tx.Validated {
				continue
			}
			select {
			case s.txs <- msg.Tx:
			case <-s.done:
				return
			}
		case MessageLedgerClosed:
			s.logger.Debug().Int64("ledger_index", msg.LedgerIndex).Msg("ledger closed")
		}
	}
}

func (s *wsSubscription) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.HandshakeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("websocket ping failed")
				s.fail(fmt.Errorf("websocket ping: %w", err))
				s.conn.Close()
				return
			}
		}
	}
}
