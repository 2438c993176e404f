// Package applier valida y aplica los mensajes publish/commit en cada nodo
// (incluido el líder, que aplica su propia copia). Es el único componente que
// muta el último snapshot autoritativo local.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/metrics"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

var (
	ErrStaleTerm         = errors.New("stale term")
	ErrStaleVersion      = errors.New("stale version")
	ErrNoStagedCandidate = errors.New("no staged candidate")
)

// ReasonError traduce el motivo de una respuesta de rechazo a su error.
func ReasonError(reason string) error {
	switch reason {
	case transport.ReasonStaleTerm:
		return ErrStaleTerm
	case transport.ReasonStaleVersion:
		return ErrStaleVersion
	case transport.ReasonNoStagedCandidate:
		return ErrNoStagedCandidate
	default:
		return fmt.Errorf("rejected: %s", reason)
	}
}

// Observer recibe cada promoción de snapshot. Corre en la goroutine del commit,
// fuera del lock del applier; no debe bloquear.
type Observer func(prev, next state.Snapshot)

type Options struct {
	NodeID string
	// Store persiste autoritativo, candidato y term conocido. nil = memoria.
	Store raft.StableStore
	// Initial se usa sólo si el store no tiene un snapshot autoritativo.
	Initial *state.Snapshot

	Logger  *zap.Logger
	Markers *logger.Markers
	Metrics *metrics.Metrics
}

type observerEntry struct {
	id int
	fn Observer
}

type Applier struct {
	id    string
	store raft.StableStore

	mu        sync.RWMutex
	last      state.Snapshot
	staged    *stagedRecord
	knownTerm uint64

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObs   int

	log     *zap.Logger
	markers *logger.Markers
	metrics *metrics.Metrics
}

var _ transport.Handler = (*Applier)(nil)

// New restaura el estado persistido (si existe) y devuelve el applier listo.
func New(opts Options) (*Applier, error) {
	if opts.NodeID == "" {
		return nil, errors.New("applier: NodeID is required")
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	a := &Applier{
		id:        opts.NodeID,
		store:     store,
		log:       logger.OrNop(opts.Logger).Named("applier"),
		markers:   opts.Markers,
		metrics:   opts.Metrics,
	}

	last, err := loadSnapshot(store, keyAuthoritative)
	if err != nil {
		return nil, err
	}
	switch {
	case last != nil:
		a.last = *last
	case opts.Initial != nil:
		a.last = *opts.Initial
		if err := saveSnapshot(store, keyAuthoritative, &a.last); err != nil {
			return nil, err
		}
	default:
		a.last = state.Empty()
	}

	if a.staged, err = loadStaged(store); err != nil {
		return nil, err
	}
	if a.staged != nil && !a.staged.Snapshot.NewerThan(a.last) {
		a.staged = nil
	}
	if a.knownTerm, err = loadTerm(store); err != nil {
		return nil, fmt.Errorf("load known term: %w", err)
	}
	if a.knownTerm < a.last.Term {
		a.knownTerm = a.last.Term
	}

	a.metrics.Applied(a.last.Term, a.last.Version)
	a.log.Info("applier ready", logger.Term(a.last.Term), logger.Version(a.last.Version))
	return a, nil
}

// LastAuthoritative devuelve el último snapshot promovido. Nunca bloquea por una publicación.
func (a *Applier) LastAuthoritative() state.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Staged devuelve el candidato pendiente, si hay.
func (a *Applier) Staged() (state.Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.staged == nil {
		return state.Snapshot{}, false
	}
	return a.staged.Snapshot, true
}

func (a *Applier) KnownTerm() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.knownTerm
}

// ObserveTerm registra un term anunciado por la membership. Nunca retrocede.
func (a *Applier) ObserveTerm(term uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if term <= a.knownTerm {
		return nil
	}
	if err := a.store.SetUint64(keyKnownTerm, term); err != nil {
		return fmt.Errorf("persist known term: %w", err)
	}
	a.knownTerm = term
	return nil
}

// Subscribe registra un observer de promociones. cancel lo remueve.
func (a *Applier) Subscribe(o Observer) (cancel func()) {
	a.obsMu.Lock()
	id := a.nextObs
	a.nextObs++
	a.observers = append(a.observers, observerEntry{id: id, fn: o})
	a.obsMu.Unlock()
	return func() {
		a.obsMu.Lock()
		defer a.obsMu.Unlock()
		for i, e := range a.observers {
			if e.id == id {
				a.observers = append(a.observers[:i:i], a.observers[i+1:]...)
				return
			}
		}
	}
}

func (a *Applier) HandlePublish(_ context.Context, req transport.PublishRequest) (transport.PublishResponse, error) {
	in := req.Snapshot
	resp := transport.PublishResponse{NodeID: a.id}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case in.Term < a.knownTerm || in.Term < a.last.Term:
		return a.rejectPublish(req, transport.ReasonStaleTerm), nil

	case in.Term == a.last.Term && in.Version <= a.last.Version:
		// ya aplicado (o anterior): no-op para que el líder no falle por un reintento
		resp.Ack, resp.NoOp = true, true
		return resp, nil

	case a.staged != nil && a.staged.Snapshot.ID() == in.ID() && a.staged.PublicationID == req.PublicationID:
		resp.Ack, resp.NoOp = true, true
		return resp, nil

	case a.staged != nil && a.staged.Snapshot.ID().After(in.ID()):
		return a.rejectPublish(req, transport.ReasonStaleVersion), nil
	}

	if in.Term > a.knownTerm {
		if err := a.store.SetUint64(keyKnownTerm, in.Term); err != nil {
			return transport.PublishResponse{}, fmt.Errorf("persist known term: %w", err)
		}
		a.knownTerm = in.Term
	}
	rec := &stagedRecord{PublicationID: req.PublicationID, Snapshot: in}
	if err := saveStaged(a.store, rec); err != nil {
		return transport.PublishResponse{}, err
	}
	if a.staged != nil {
		// mismo líder reintentando el mismo (term, version), o un term nuevo
		a.log.Debug("staged candidate replaced",
			zap.Stringer("old", a.staged.Snapshot.ID()), zap.Stringer("new", in.ID()))
	}
	a.staged = rec

	a.log.Debug("candidate staged", logger.Peer(req.From), logger.Term(in.Term), logger.Version(in.Version))
	resp.Ack = true
	return resp, nil
}

func (a *Applier) rejectPublish(req transport.PublishRequest, reason string) transport.PublishResponse {
	a.metrics.FollowerReject("publish", reason)
	a.markers.WarnOnce(a.log, "publish:"+reason+":"+req.From+":"+req.Snapshot.ID().String(),
		"publish rejected",
		logger.Peer(req.From), logger.Reason(reason),
		zap.Stringer("candidate", req.Snapshot.ID()), zap.Stringer("last", a.last.ID()),
		logger.Term(a.knownTerm))
	return transport.PublishResponse{NodeID: a.id, Reason: reason}
}

func (a *Applier) HandleCommit(_ context.Context, req transport.CommitRequest) (transport.CommitResponse, error) {
	id := req.ID()
	resp := transport.CommitResponse{NodeID: a.id}

	a.mu.Lock()
	switch {
	case a.staged != nil && a.staged.Snapshot.ID() == id &&
		(req.PublicationID == "" || req.PublicationID == a.staged.PublicationID):
		// promover abajo
	case a.last.ID() == id:
		a.mu.Unlock()
		resp.Ack, resp.NoOp = true, true
		return resp, nil
	default:
		reason := transport.ReasonNoStagedCandidate
		if a.last.ID().After(id) {
			reason = transport.ReasonStaleVersion
		}
		a.mu.Unlock()
		a.metrics.FollowerReject("commit", reason)
		a.markers.WarnOnce(a.log, "commit:"+reason+":"+req.From+":"+id.String(), "commit rejected",
			logger.Peer(req.From), logger.Reason(reason), zap.Stringer("commit", id))
		resp.Reason = reason
		return resp, nil
	}

	next := a.staged.Snapshot
	if err := saveSnapshot(a.store, keyAuthoritative, &next); err != nil {
		a.mu.Unlock()
		return transport.CommitResponse{}, err
	}
	if err := saveStaged(a.store, nil); err != nil {
		// el staged persistido queda viejo; al recargar se descarta por no ser más nuevo
		a.log.Warn("clear staged candidate", logger.Err(err))
	}
	prev := a.last
	a.last = next
	a.staged = nil
	a.mu.Unlock()

	a.metrics.Applied(next.Term, next.Version)
	a.log.Info("snapshot promoted", logger.Peer(req.From), logger.Term(next.Term), logger.Version(next.Version))
	a.notify(prev, next)

	resp.Ack = true
	return resp, nil
}

func (a *Applier) notify(prev, next state.Snapshot) {
	a.obsMu.RLock()
	obs := append([]observerEntry(nil), a.observers...)
	a.obsMu.RUnlock()
	for _, o := range obs {
		o.fn(prev, next)
	}
}
