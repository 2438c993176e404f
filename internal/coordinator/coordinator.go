// Package coordinator es el único escritor del cluster state: drena batches de la
// cola, corre el executor del kind y, si hubo cambios, publica el candidato y espera
// su resultado antes de tomar el siguiente batch.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/executor"
	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/metrics"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/publication"
	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
)

// ErrNotLeader se entrega a las tasks que llegan (o quedan en cola) en un nodo que no lidera.
var ErrNotLeader = errors.New("not the leader")

// Phase del loop.
type Phase int32

const (
	Idle Phase = iota
	Batching
	Applying
	Unchanged
	Publishing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Batching:
		return "batching"
	case Applying:
		return "applying"
	case Unchanged:
		return "unchanged"
	case Publishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// StateSource es la vista de sólo lectura del último snapshot autoritativo local.
type StateSource interface {
	LastAuthoritative() state.Snapshot
}

// Publisher es el contrato que el coordinator usa del publication controller.
type Publisher interface {
	Publish(ctx context.Context, candidate state.Snapshot) (*publication.Publication, error)
}

type Options struct {
	NodeID     string
	Queue      *taskqueue.Queue
	Registry   *executor.Registry
	State      StateSource
	Publisher  Publisher
	Membership membership.Membership

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Coordinator struct {
	id        string
	queue     *taskqueue.Queue
	registry  *executor.Registry
	state     StateSource
	publisher Publisher
	members   membership.Membership
	log       *zap.Logger
	metrics   *metrics.Metrics

	phase atomic.Int32
}

func New(opts Options) (*Coordinator, error) {
	if opts.NodeID == "" || opts.Queue == nil || opts.Registry == nil || opts.State == nil ||
		opts.Publisher == nil || opts.Membership == nil {
		return nil, errors.New("coordinator: missing dependency")
	}
	return &Coordinator{
		id:        opts.NodeID,
		queue:     opts.Queue,
		registry:  opts.Registry,
		state:     opts.State,
		publisher: opts.Publisher,
		members:   opts.Membership,
		log:       logger.OrNop(opts.Logger).Named("coordinator"),
		metrics:   opts.Metrics,
	}, nil
}

// Phase devuelve la fase actual del loop.
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Coordinator) setPhase(p Phase) { c.phase.Store(int32(p)) }

// Submit encola una task. Si este nodo no es el líder vigente la task falla de
// inmediato con ErrNotLeader.
func (c *Coordinator) Submit(kind taskqueue.Kind, payload json.RawMessage, listener taskqueue.Listener) *taskqueue.Handle {
	h := c.queue.Submit(kind, payload, listener)
	if l := c.members.Leadership(); l.LeaderID != c.id {
		// el watcher también drena, esto sólo evita esperar al próximo evento
		c.queue.FailAll(ErrNotLeader)
	}
	return h
}

// Run procesa batches hasta que ctx termina. Al salir falla las tasks pendientes.
func (c *Coordinator) Run(ctx context.Context) error {
	events, unsubscribe := c.members.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			n := c.queue.FailAll(fmt.Errorf("coordinator stopped: %w", ctx.Err()))
			if n > 0 {
				c.log.Info("pending tasks failed on shutdown", logger.Count(n))
			}
			return ctx.Err()
		case l := <-events:
			c.onLeadership(l)
		case <-c.queue.Ready():
			c.drain(ctx)
		}
	}
}

func (c *Coordinator) onLeadership(l membership.Leadership) {
	c.metrics.LeadershipChanged()
	if l.LeaderID == c.id {
		c.log.Info("leading term", logger.Term(l.Term))
		return
	}
	if n := c.queue.FailAll(ErrNotLeader); n > 0 {
		c.log.Info("not leader: pending tasks failed", logger.Term(l.Term), logger.Count(n), zap.String("leader", l.LeaderID))
	}
}

func (c *Coordinator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		kind, tasks, ok := c.queue.DrainNextBatch()
		if !ok {
			return
		}
		c.metrics.SetQueueDepth(c.queue.Len())
		c.runBatch(ctx, kind, tasks)
	}
}

func (c *Coordinator) runBatch(ctx context.Context, kind taskqueue.Kind, tasks []*taskqueue.Task) {
	c.setPhase(Batching)
	defer c.setPhase(Idle)
	log := c.log.With(logger.Kind(string(kind)), logger.Count(len(tasks)))

	lead := c.members.Leadership()
	if lead.LeaderID != c.id || !c.members.IsLeader(c.id, lead.Term) {
		failAll(tasks, ErrNotLeader)
		c.metrics.ObserveBatch(string(kind), "not_leader", len(tasks))
		return
	}

	c.setPhase(Applying)
	prev := c.state.LastAuthoritative()
	res, err := c.registry.Execute(ctx, executor.Batch{Term: lead.Term, Kind: kind, Previous: prev, Tasks: tasks})
	if err != nil {
		failAll(tasks, err)
		c.metrics.ObserveBatch(string(kind), "executor_error", len(tasks))
		log.Warn("batch failed", logger.Err(err))
		return
	}

	if res.Unchanged(prev) {
		c.setPhase(Unchanged)
		deliver(tasks, res.Outcomes)
		c.metrics.ObserveBatch(string(kind), "unchanged", len(tasks))
		log.Debug("batch left state unchanged", logger.Version(prev.Version))
		return
	}

	c.setPhase(Publishing)
	candidate := prev.Next(lead.Term, res.Content)
	start := time.Now()
	p, err := c.publisher.Publish(ctx, candidate)
	if err == nil {
		err = p.Wait(context.Background())
	}
	if err != nil {
		failAll(tasks, err)
		c.metrics.ObserveBatch(string(kind), "publication_failed", len(tasks))
		log.Warn("publication failed", logger.Term(candidate.Term), logger.Version(candidate.Version), logger.Err(err))
		return
	}

	deliver(tasks, res.Outcomes)
	c.metrics.ObserveBatch(string(kind), "published", len(tasks))
	log.Info("batch published", logger.Term(candidate.Term), logger.Version(candidate.Version), logger.Duration(time.Since(start)))
}

func failAll(tasks []*taskqueue.Task, err error) {
	for _, t := range tasks {
		t.Fail(err)
	}
}

func deliver(tasks []*taskqueue.Task, outcomes []taskqueue.Result) {
	for i, t := range tasks {
		t.Complete(outcomes[i])
	}
}

// IsRetryable indica si el submitter puede reenviar la task al mismo líder.
// Timeout y quorum insuficiente son reintentables; perder el liderazgo no lo es
// (hay que reenviar al líder nuevo) y una falla del executor tampoco.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, publication.ErrPublishTimeout),
		errors.Is(err, publication.ErrQuorumNotReached),
		errors.Is(err, publication.ErrLocalApply):
		return true
	default:
		return false
	}
}

// IsLeadershipLoss indica si la task debe reenviarse al líder nuevo.
func IsLeadershipLoss(err error) bool {
	return errors.Is(err, ErrNotLeader) || errors.Is(err, publication.ErrSteppedDown)
}
