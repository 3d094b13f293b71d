package ingestion

import (
	"WardProtocol/internal/ledger"
	"WardProtocol/internal/monitor"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream layout shared with the ledger bridge and downstream consumers.
const (
	LedgerStream        = "WARD_LEDGER"
	LedgerSubjectPrefix = "ward.ledger.tx"
	EventsStream        = "WARD_EVENTS"
	EventsSubjectPrefix = "ward.events"
)

// LedgerSubject is the subject the bridge publishes an account's
// transactions on.
func LedgerSubject(account string) string {
	return LedgerSubjectPrefix + "." + account
}

// JetStreamFeed consumes ledger stream messages relayed into JetStream by a
// ledger bridge, in the same wire format as the websocket API.
type JetStreamFeed struct {
	js         jetstream.JetStream
	bufferSize int
	logger     zerolog.Logger
}

var _ monitor.Feed = (*JetStreamFeed)(nil)

func NewJetStreamFeed(js jetstream.JetStream, bufferSize int, logger zerolog.Logger) *JetStreamFeed {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &JetStreamFeed{js: js, bufferSize: bufferSize, logger: logger}
}

// Subscribe creates an ephemeral consumer over the accounts' subjects that
// delivers only new messages; the monitor reconciles anything older.
func (f *JetStreamFeed) Subscribe(ctx context.Context, accounts []string) (monitor.Subscription, error) {
	subjects := make([]string, 0, len(accounts))
	for _, a := range accounts {
		subjects = append(subjects, LedgerSubject(a))
	}
	if len(subjects) == 0 {
		subjects = []string{LedgerSubjectPrefix + ".>"}
	}

	consumer, err := f.js.CreateOrUpdateConsumer(ctx, LedgerStream, jetstream.ConsumerConfig{
		FilterSubjects:    subjects,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           30 * time.Second,
		MaxDeliver:        5,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create ledger consumer: %w", err)
	}

	sub := &jsSubscription{
		txs:    make(chan ledger.Transaction, f.bufferSize),
		done:   make(chan struct{}),
		logger: f.logger,
	}

	cc, err := consumer.Consume(sub.handle, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		sub.logger.Warn().Err(err).Msg("ledger consumer error")
		sub.fail(err)
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", LedgerStream, err)
	}
	sub.cc = cc

	f.logger.Info().Strs("subjects", subjects).Msg("jetstream ledger subscription active")
	return sub, nil
}

type jsSubscription struct {
	cc     jetstream.ConsumeContext
	txs    chan ledger.Transaction
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once
	sendMu    sync.Mutex

	mu  sync.Mutex
	err error
}

func (s *jsSubscription) Transactions() <-chan ledger.Transaction { return s.txs }

func (s *jsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail records err and ends the stream so the monitor resubscribes.
func (s *jsSubscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

func (s *jsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cc != nil {
			s.cc.Stop()
		}
		s.sendMu.Lock()
		close(s.txs)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *jsSubscription) handle(msg jetstream.Msg) {
	parsed, err := ParseStreamMessage(msg.Data())
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("terminating malformed ledger message")
		msg.Term()
		return
	}
	if parsed.Kind != MessageTransaction || !parsed.Tx.Validated {
		msg.Ack()
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		msg.Nak()
	case s.txs <- parsed.Tx:
		msg.Ack()
	}
}

// EnsureStreams creates the ledger relay and lifecycle event streams if they
// don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      LedgerStream,
			Subjects:  []string{LedgerSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventsStream,
			Subjects:  []string{EventsSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("wardd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
