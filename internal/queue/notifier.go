package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the wake-up channel name. The payload is a job key.
const Channel = "worker"

// Notifier delivers best-effort wake-up signals. Missed or duplicated
// signals are tolerated; the conditional claim decides who runs a job.
type Notifier interface {
	Notify(ctx context.Context, key string) error
	// Listen returns a channel of job keys that is closed when ctx ends.
	Listen(ctx context.Context) (<-chan string, error)
}

// LocalNotifier broadcasts keys to in-process listeners.
type LocalNotifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[chan string]struct{}
}

func NewLocalNotifier(logger *slog.Logger) *LocalNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalNotifier{
		logger: logger,
		subs:   make(map[chan string]struct{}),
	}
}

func (n *LocalNotifier) Notify(_ context.Context, key string) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subs {
		select {
		case ch <- key:
		default:
			// the periodic sweep picks the job up instead
			n.logger.Warn("notifier channel full, dropping signal", "key", key)
		}
	}
	return nil
}

func (n *LocalNotifier) Listen(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 256)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs, ch)
		close(ch)
		n.mu.Unlock()
	}()
	return ch, nil
}

// PGNotifier uses Postgres NOTIFY/LISTEN on Channel.
type PGNotifier struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	backoff time.Duration
}

func NewPGNotifier(pool *pgxpool.Pool, logger *slog.Logger) *PGNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGNotifier{pool: pool, logger: logger, backoff: 2 * time.Second}
}

func (n *PGNotifier) Notify(ctx context.Context, key string) error {
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, key)
	return err
}

// Listen holds one pooled connection for LISTEN and re-acquires it when
// the connection drops.
func (n *PGNotifier) Listen(ctx context.Context) (<-chan string, error) {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, err
	}

	out := make(chan string, 256)
	go func() {
		defer close(out)
		for {
			err := n.receive(ctx, conn, out)
			conn.Release()
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("listen connection lost, reconnecting", "error", err, "backoff", n.backoff)
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.backoff):
				}
				conn, err = n.pool.Acquire(ctx)
				if err == nil {
					if _, err = conn.Exec(ctx, "LISTEN "+Channel); err == nil {
						break
					}
					conn.Release()
				}
				n.logger.Warn("re-listen failed", "error", err)
			}
		}
	}()
	return out, nil
}

func (n *PGNotifier) receive(ctx context.Context, conn *pgxpool.Conn, out chan<- string) error {
	for {
		note, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return err
		}
		select {
		case out <- note.Payload:
		default:
			n.logger.Warn("listener channel full, dropping signal", "key", note.Payload)
		}
	}
}
