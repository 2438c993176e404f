// Package node arma un nodo completo: el applier local (que también atiende los
// mensajes del transporte), la cola, el coordinator y el publication controller.
// Todos los nodos corren el mismo loop; sólo el líder del term vigente procesa tasks.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/clusterstate/internal/applier"
	"github.com/dropDatabas3/clusterstate/internal/coordinator"
	"github.com/dropDatabas3/clusterstate/internal/executor"
	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/metrics"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/publication"
	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

type Options struct {
	ID         string
	Membership membership.Membership
	// Transport entrega a los demás nodos. Los mensajes a ID van directo al applier local.
	Transport transport.Transport
	// Store persiste el estado del applier. nil = memoria.
	Store    raft.StableStore
	Registry *executor.Registry // nil = executor.NewDefaultRegistry()
	Initial  *state.Snapshot

	PublishTimeout time.Duration
	CommitTimeout  time.Duration

	Observers []applier.Observer

	Logger  *zap.Logger
	Markers *logger.Markers
	Metrics *metrics.Metrics
}

type Node struct {
	id      string
	members membership.Membership
	applier *applier.Applier
	queue   *taskqueue.Queue
	coord   *coordinator.Coordinator
	ctrl    *publication.Controller
	log     *zap.Logger
}

func New(opts Options) (*Node, error) {
	if opts.ID == "" || opts.Membership == nil || opts.Transport == nil {
		return nil, errors.New("node: ID, Membership and Transport are required")
	}
	log := logger.OrNop(opts.Logger).With(logger.NodeID(opts.ID))
	reg := opts.Registry
	if reg == nil {
		reg = executor.NewDefaultRegistry()
	}

	a, err := applier.New(applier.Options{
		NodeID:  opts.ID,
		Store:   opts.Store,
		Initial: opts.Initial,
		Logger:  log,
		Markers: opts.Markers,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	for _, o := range opts.Observers {
		a.Subscribe(o)
	}

	ctrl, err := publication.New(publication.Options{
		NodeID:        opts.ID,
		Membership:    opts.Membership,
		Transport:     transport.Loopback{Self: opts.ID, Local: a, Next: opts.Transport},
		Timeout:       opts.PublishTimeout,
		CommitTimeout: opts.CommitTimeout,
		Logger:        log,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	q := taskqueue.New()
	coord, err := coordinator.New(coordinator.Options{
		NodeID:     opts.ID,
		Queue:      q,
		Registry:   reg,
		State:      a,
		Publisher:  ctrl,
		Membership: opts.Membership,
		Logger:     log,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Node{
		id:      opts.ID,
		members: opts.Membership,
		applier: a,
		queue:   q,
		coord:   coord,
		ctrl:    ctrl,
		log:     log.Named("node"),
	}, nil
}

func (n *Node) ID() string { return n.id }

// Handler atiende publish/commit entrantes. Registrarlo en el transporte (red en
// memoria o transport.Mount) es responsabilidad de quien arma el nodo.
func (n *Node) Handler() transport.Handler { return n.applier }

func (n *Node) Applier() *applier.Applier { return n.applier }

func (n *Node) Membership() membership.Membership { return n.members }

// State devuelve el último snapshot autoritativo local.
func (n *Node) State() state.Snapshot { return n.applier.LastAuthoritative() }

func (n *Node) Leadership() membership.Leadership { return n.members.Leadership() }

func (n *Node) IsLeader() bool {
	l := n.members.Leadership()
	return l.LeaderID == n.id && n.members.IsLeader(n.id, l.Term)
}

func (n *Node) Phase() coordinator.Phase { return n.coord.Phase() }

func (n *Node) QueueLen() int { return n.queue.Len() }

func (n *Node) LastPublication() *publication.Publication { return n.ctrl.LastPublication() }

// Submit encola una task. En un nodo que no lidera falla con coordinator.ErrNotLeader.
func (n *Node) Submit(kind taskqueue.Kind, payload json.RawMessage, listener taskqueue.Listener) *taskqueue.Handle {
	return n.coord.Submit(kind, payload, listener)
}

// Run corre controller, coordinator y el seguimiento de terms hasta que ctx termina.
// Al salir la cola queda cerrada: los Submit posteriores fallan con taskqueue.ErrClosed.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.ctrl.Run(gctx) })
	g.Go(func() error { return n.coord.Run(gctx) })
	g.Go(func() error { return n.watchTerms(gctx) })

	l := n.members.Leadership()
	n.log.Info("node started", logger.Term(l.Term), zap.String("leader", l.LeaderID),
		logger.Version(n.State().Version))

	err := g.Wait()
	n.queue.Close(fmt.Errorf("node stopped: %w", taskqueue.ErrClosed))
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	n.log.Info("node stopped")
	return err
}

// watchTerms lleva al applier cada term anunciado: un publish de un term anterior
// se rechaza aunque todavía no haya llegado nada del líder nuevo.
func (n *Node) watchTerms(ctx context.Context) error {
	events, unsubscribe := n.members.Subscribe()
	defer unsubscribe()

	n.observeTerm(n.members.Leadership().Term)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l := <-events:
			n.observeTerm(l.Term)
		}
	}
}

func (n *Node) observeTerm(term uint64) {
	if err := n.applier.ObserveTerm(term); err != nil {
		n.log.Error("observe term", logger.Term(term), logger.Err(err))
	}
}
