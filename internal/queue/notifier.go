package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kalambet/kbchat/internal/logging"
)

// Notifier wakes idle dispatchers when new work may be available.
// Notifications are hints: a missed one only delays a claim until the next
// poll interval.
type Notifier interface {
	Notify(jobType string)
	// Subscribe returns a channel that receives a value after one or more
	// notifications, and a func that releases the subscription.
	Subscribe() (<-chan struct{}, func())
}

// LocalNotifier broadcasts notifications to subscribers in the same process.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default: // already has a pending wake-up
		}
	}
}

func (n *LocalNotifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, ch)
			n.mu.Unlock()
		})
	}
}

// DefaultSubject is the NATS subject enqueue notifications are published on.
const DefaultSubject = "kbchat.jobs.enqueued"

// NATSNotifier publishes enqueue notifications over NATS so that worker
// processes other than the enqueuing one wake up immediately.
type NATSNotifier struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	local   *LocalNotifier
	log     *zap.Logger
}

// NewNATSNotifier connects to url and subscribes to subject. Messages from
// any process, including this one, are fanned out to local subscribers.
func NewNATSNotifier(url, subject string, log *zap.Logger) (*NATSNotifier, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	log = logging.OrNop(log).Named("nats")

	nc, err := nats.Connect(url,
		nats.Name("kbchat"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	n := &NATSNotifier{nc: nc, subject: subject, local: NewLocalNotifier(), log: log}
	n.sub, err = nc.Subscribe(subject, func(*nats.Msg) {
		n.local.Notify("")
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return n, nil
}

func (n *NATSNotifier) Notify(jobType string) {
	if err := n.nc.Publish(n.subject, []byte(jobType)); err != nil {
		n.log.Warn("publishing job notification", zap.Error(err))
		// Still wake local dispatchers.
		n.local.Notify(jobType)
	}
}

func (n *NATSNotifier) Subscribe() (<-chan struct{}, func()) {
	return n.local.Subscribe()
}

// Close unsubscribes and drains the connection.
func (n *NATSNotifier) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	return n.nc.Drain()
}
