// Package mirror replica el último snapshot autoritativo del nodo en Redis, para
// lectores externos que no hablan con el cluster.
//
// Claves (con Prefix = "clusterstate" y nodo "n1"):
//
//	clusterstate:n1:snapshot  -> snapshot completo (JSON)
//	clusterstate:n1:id        -> hash {term, version}
//	clusterstate:changes      -> canal pub/sub; cada mensaje es "n1 <term>/<version>"
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/state"
)

const DefaultPrefix = "clusterstate"

type Options struct {
	NodeID   string
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Timeout por escritura. Default 2s.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Redis es un applier.Observer: Observe sólo anota el snapshot más nuevo y Run lo
// escribe. Si Redis está lento se saltean versiones intermedias; la última siempre llega.
type Redis struct {
	client  *redis.Client
	node    string
	prefix  string
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending *state.Snapshot
	wake    chan struct{}
}

// NewRedis conecta y verifica con PING.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	if opts.NodeID == "" {
		return nil, errors.New("mirror: node id is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("mirror: redis ping failed: %w", err)
	}
	return newRedis(rdb, opts), nil
}

func newRedis(rdb *redis.Client, opts Options) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Redis{
		client:  rdb,
		node:    opts.NodeID,
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		log:     logger.OrNop(opts.Logger).Named("mirror").With(logger.NodeID(opts.NodeID)),
		wake:    make(chan struct{}, 1),
	}
}

func (m *Redis) key(k string) string { return m.prefix + ":" + m.node + ":" + k }

// Channel es el canal pub/sub donde se anuncian los cambios.
func (m *Redis) Channel() string { return m.prefix + ":changes" }

// Observe cumple applier.Observer. No bloquea.
func (m *Redis) Observe(_, next state.Snapshot) {
	m.mu.Lock()
	if m.pending == nil || next.NewerThan(*m.pending) {
		s := next
		m.pending = &s
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Redis) take() (state.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return state.Snapshot{}, false
	}
	s := *m.pending
	m.pending = nil
	return s, true
}

// Run escribe los snapshots anotados hasta que ctx se cancela.
func (m *Redis) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		}
		snap, ok := m.take()
		if !ok {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.Write(wctx, snap)
		cancel()
		if err != nil {
			m.log.Warn("mirror write failed",
				logger.Term(snap.Term), logger.Version(snap.Version), logger.Err(err))
		}
	}
}

// Write guarda snap y publica el cambio en una transacción.
func (m *Redis) Write(ctx context.Context, snap state.Snapshot) error {
	b, err := state.Encode(snap)
	if err != nil {
		return err
	}
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, m.key("snapshot"), b, 0)
		p.HSet(ctx, m.key("id"), "term", snap.Term, "version", snap.Version)
		p.Publish(ctx, m.Channel(), m.node+" "+snap.ID().String())
		return nil
	})
	return err
}

// Load lee el snapshot espejado. ok=false si todavía no hay nada.
func (m *Redis) Load(ctx context.Context) (snap state.Snapshot, ok bool, err error) {
	b, err := m.client.Get(ctx, m.key("snapshot")).Bytes()
	if errors.Is(err, redis.Nil) {
		return state.Snapshot{}, false, nil
	}
	if err != nil {
		return state.Snapshot{}, false, err
	}
	snap, err = state.Decode(b)
	if err != nil {
		return state.Snapshot{}, false, fmt.Errorf("mirror: decode: %w", err)
	}
	return snap, true, nil
}

// Changes se suscribe al canal de cambios. El caller cierra el PubSub.
func (m *Redis) Changes(ctx context.Context) *redis.PubSub {
	return m.client.Subscribe(ctx, m.Channel())
}

func (m *Redis) Close() error { return m.client.Close() }
