// Package history guarda en Postgres cada snapshot autoritativo que promueve un nodo,
// con las claves que cambiaron respecto del anterior.
package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/state"
)

const defaultBuffer = 256

type Options struct {
	NodeID   string
	DSN      string
	MaxConns int32
	// Buffer de promociones pendientes de escribir. Default 256.
	Buffer  int
	Logger  *zap.Logger
	Markers *logger.Markers
}

// Entry es una fila del historial.
type Entry struct {
	NodeID      string    `json:"node"`
	Term        uint64    `json:"term"`
	Version     uint64    `json:"version"`
	PrevTerm    uint64    `json:"prevTerm"`
	PrevVersion uint64    `json:"prevVersion"`
	ChangedKeys []string  `json:"changedKeys"`
	AppliedAt   time.Time `json:"appliedAt"`
}

type change struct {
	prev, next state.Snapshot
	at         time.Time
}

// Postgres es un applier.Observer que encola promociones y las persiste desde Run.
// Si el buffer se llena, la promoción se descarta y se avisa una vez.
type Postgres struct {
	pool    *pgxpool.Pool
	node    string
	log     *zap.Logger
	markers *logger.Markers
	queue   chan change
	sf      singleflight.Group
}

// Open crea el pool, verifica la conexión y aplica las migraciones.
func Open(ctx context.Context, opts Options) (*Postgres, error) {
	if opts.NodeID == "" {
		return nil, errors.New("history: node id is required")
	}
	pcfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		pcfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return newPostgres(pool, opts), nil
}

func newPostgres(pool *pgxpool.Pool, opts Options) *Postgres {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Postgres{
		pool:    pool,
		node:    opts.NodeID,
		log:     logger.OrNop(opts.Logger).Named("history").With(logger.NodeID(opts.NodeID)),
		markers: opts.Markers,
		queue:   make(chan change, opts.Buffer),
	}
}

// Observe cumple applier.Observer. No bloquea.
func (h *Postgres) Observe(prev, next state.Snapshot) {
	select {
	case h.queue <- change{prev: prev, next: next, at: time.Now().UTC()}:
	default:
		fields := []zap.Field{logger.Term(next.Term), logger.Version(next.Version)}
		if h.markers != nil {
			h.markers.WarnOnce(h.log, "history:buffer_full", "history buffer full, dropping promotion", fields...)
		} else {
			h.log.Warn("history buffer full, dropping promotion", fields...)
		}
	}
}

// Run persiste las promociones encoladas hasta que ctx se cancela.
func (h *Postgres) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.queue:
			if err := h.Record(ctx, c.prev, c.next, c.at); err != nil && ctx.Err() == nil {
				h.log.Warn("history write failed",
					logger.Term(c.next.Term), logger.Version(c.next.Version), logger.Err(err))
			}
		}
	}
}

const insertSQL = `
INSERT INTO state_history (node_id, term, version, prev_term, prev_version, changed_keys, content, applied_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
ON CONFLICT (node_id, term, version) DO NOTHING`

// Record inserta una promoción. Repetir (term, version) para el mismo nodo es no-op.
func (h *Postgres) Record(ctx context.Context, prev, next state.Snapshot, at time.Time) error {
	content, err := next.Content.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = h.pool.Exec(ctx, insertSQL,
		h.node,
		int64(next.Term), int64(next.Version),
		int64(prev.Term), int64(prev.Version),
		ChangedKeys(prev.Content, next.Content),
		string(content),
		at,
	)
	return err
}

const recentSQL = `
SELECT node_id, term, version, prev_term, prev_version, changed_keys, applied_at
FROM state_history
WHERE node_id = $1
ORDER BY term DESC, version DESC
LIMIT $2`

// Recent devuelve las últimas limit promociones de este nodo, más nueva primero.
// Lecturas concurrentes con el mismo limit comparten la query.
func (h *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	v, err, _ := h.sf.Do(strconv.Itoa(limit), func() (any, error) {
		return h.recent(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (h *Postgres) recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := h.pool.Query(ctx, recentSQL, h.node, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e                     Entry
			term, ver, ptrm, pver int64
		)
		if err := rows.Scan(&e.NodeID, &term, &ver, &ptrm, &pver, &e.ChangedKeys, &e.AppliedAt); err != nil {
			return nil, err
		}
		e.Term, e.Version, e.PrevTerm, e.PrevVersion = uint64(term), uint64(ver), uint64(ptrm), uint64(pver)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close cierra el pool (idempotente).
func (h *Postgres) Close() {
	if h != nil && h.pool != nil {
		h.pool.Close()
	}
}

// ChangedKeys lista, ordenadas, las claves agregadas, modificadas o borradas entre prev y next.
func ChangedKeys(prev, next state.Content) []string {
	if prev.Same(next) {
		return []string{}
	}
	out := []string{}
	for _, k := range next.Keys() {
		nv, _ := next.Get(k)
		pv, ok := prev.Get(k)
		if !ok || !bytes.Equal(pv, nv) {
			out = append(out, k)
		}
	}
	for _, k := range prev.Keys() {
		if _, ok := next.Get(k); !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
