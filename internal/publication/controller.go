package publication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/applier"
	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/metrics"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

const DefaultTimeout = 10 * time.Second

type Options struct {
	NodeID     string
	Membership membership.Membership
	// Transport debe poder entregar también a NodeID (el applier local).
	Transport transport.Transport
	// Timeout acota la fase publish. Default DefaultTimeout.
	Timeout time.Duration
	// CommitTimeout acota cada envío de commit. Default Timeout.
	CommitTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Controller corre una publicación a la vez. Publish entrega el candidato por un
// canal de capacidad 1; Run lo consume.
type Controller struct {
	id            string
	members       membership.Membership
	tr            transport.Transport
	timeout       time.Duration
	commitTimeout time.Duration
	log           *zap.Logger
	metrics       *metrics.Metrics

	handoff chan *Publication
	stopped chan struct{}
	stop    sync.Once
	mu      sync.RWMutex
	closed  bool

	last atomic.Pointer[Publication]
	bg   sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.NodeID == "" || opts.Membership == nil || opts.Transport == nil {
		return nil, errors.New("publication: NodeID, Membership and Transport are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = opts.Timeout
	}
	return &Controller{
		id:            opts.NodeID,
		members:       opts.Membership,
		tr:            opts.Transport,
		timeout:       opts.Timeout,
		commitTimeout: opts.CommitTimeout,
		log:           logger.OrNop(opts.Logger).Named("publication"),
		metrics:       opts.Metrics,
		handoff:       make(chan *Publication, 1),
		stopped:       make(chan struct{}),
	}, nil
}

// Publish entrega candidate al controller. El quorum se calcula con el set
// master-eligible vigente en este momento. Bloquea sólo si hay otra publicación en cola.
func (c *Controller) Publish(ctx context.Context, candidate state.Snapshot) (*Publication, error) {
	var ids []string
	for _, n := range c.members.MasterEligible() {
		ids = append(ids, n.ID)
	}
	if len(ids) == 0 {
		return nil, errors.New("publication: no master-eligible nodes")
	}
	p := newPublication(candidate, ids)

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	select {
	case c.handoff <- p:
		return p, nil
	case <-c.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LastPublication devuelve la publicación en curso o la última terminada (nil si ninguna).
func (c *Controller) LastPublication() *Publication { return c.last.Load() }

// Run procesa publicaciones hasta que ctx termina. Al salir falla lo que quede en cola
// y espera los commits en segundo plano.
func (c *Controller) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-c.handoff:
			c.run(ctx, p)
		}
	}
}

func (c *Controller) shutdown() {
	c.stop.Do(func() { close(c.stopped) })
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	for {
		select {
		case p := <-c.handoff:
			p.finish(ErrClosed)
		default:
			c.bg.Wait()
			return
		}
	}
}

type publishReply struct {
	node string
	resp transport.PublishResponse
	err  error
}

func (c *Controller) targets(p *Publication) []string {
	set := map[string]bool{c.id: true}
	for id := range p.eligible {
		set[id] = true
	}
	for _, n := range c.members.Nodes() {
		set[n.ID] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) broadcastPublish(ctx context.Context, p *Publication, targets []string) <-chan publishReply {
	req := transport.PublishRequest{From: c.id, PublicationID: p.ID.String(), Snapshot: p.Candidate}
	replies := make(chan publishReply, len(targets))
	for _, node := range targets {
		go func(node string) {
			resp, err := c.tr.SendPublish(ctx, node, req)
			replies <- publishReply{node: node, resp: resp, err: err}
		}(node)
	}
	return replies
}

func (c *Controller) run(ctx context.Context, p *Publication) {
	c.last.Store(p)
	term := p.Candidate.Term
	log := c.log.With(logger.PublicationID(p.ID.String()), logger.Term(term), logger.Version(p.Candidate.Version))

	events, unsubscribe := c.members.Subscribe()
	defer unsubscribe()

	if !c.members.IsLeader(c.id, term) {
		c.fail(p, log, ErrSteppedDown)
		return
	}

	targets := c.targets(p)
	pubCtx, cancelPub := context.WithTimeout(ctx, c.timeout)
	replies := c.broadcastPublish(pubCtx, p, targets)
	log.Debug("publish sent", logger.Count(len(targets)), zap.Int("quorum", p.RequiredQuorum))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	pending := len(targets)
	sawTimeout, selfAcked := false, false
	for !selfAcked || !p.hasQuorum() {
		if pending == 0 {
			cancelPub()
			if sawTimeout {
				c.fail(p, log, ErrPublishTimeout)
			} else {
				c.fail(p, log, ErrQuorumNotReached)
			}
			return
		}
		select {
		case r := <-replies:
			pending--
			switch {
			case r.err != nil:
				if transport.IsTimeout(r.err) {
					sawTimeout = true
				}
				log.Debug("publish not delivered", logger.Peer(r.node), logger.Err(r.err))
			case r.resp.Ack:
				p.ack(r.node)
			default:
				log.Debug("publish rejected", logger.Peer(r.node), logger.Reason(r.resp.Reason))
			}
			if r.node == c.id {
				if r.err != nil || !r.resp.Ack {
					cancelPub()
					c.fail(p, log, fmt.Errorf("%w: publish: %w", ErrLocalApply, rejectErr(r.resp.Reason, r.err)))
					return
				}
				selfAcked = true
			}
		case <-timer.C:
			cancelPub()
			c.fail(p, log, ErrPublishTimeout)
			return
		case l := <-events:
			if l.Term != term || l.LeaderID != c.id {
				cancelPub()
				c.fail(p, log, ErrSteppedDown)
				return
			}
		case <-ctx.Done():
			cancelPub()
			c.fail(p, log, ErrClosed)
			return
		}
	}

	// nunca commitear por un term que ya no lideramos
	if !c.stillLeader(events, term) {
		cancelPub()
		c.fail(p, log, ErrSteppedDown)
		return
	}

	p.setPhase(Committing)
	creq := transport.CommitRequest{
		From:          c.id,
		PublicationID: p.ID.String(),
		Term:          term,
		Version:       p.Candidate.Version,
	}

	// primero el applier local: el próximo batch se calcula sobre este snapshot
	cctx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	resp, err := c.tr.SendCommit(cctx, c.id, creq)
	cancel()
	if err != nil || !resp.Ack {
		cancelPub()
		c.fail(p, log, fmt.Errorf("%w: commit: %w", ErrLocalApply, rejectErr(resp.Reason, err)))
		return
	}
	p.commitAck(c.id)

	if p.finish(nil) {
		d := time.Since(p.StartedAt)
		c.metrics.ObservePublication("completed", d)
		log.Info("publication committed", logger.Duration(d), zap.Strings("acks", p.Acks()))
	}

	c.bg.Add(1)
	go c.commitRest(ctx, p, log, creq, pubCtx, cancelPub, replies, pending)
}

func (c *Controller) stillLeader(events <-chan membership.Leadership, term uint64) bool {
	for {
		select {
		case l := <-events:
			if l.Term != term || l.LeaderID != c.id {
				return false
			}
		default:
			return c.members.IsLeader(c.id, term)
		}
	}
}

// commitRest envía el commit al resto de los nodos que aceptaron el publish, incluidos
// los que respondan tarde dentro de la ventana de publish. Sólo actualiza CommitAcks.
func (c *Controller) commitRest(ctx context.Context, p *Publication, log *zap.Logger, creq transport.CommitRequest,
	pubCtx context.Context, cancelPub context.CancelFunc, replies <-chan publishReply, pending int) {
	defer c.bg.Done()
	defer cancelPub()

	var wg sync.WaitGroup
	commit := func(node string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.commitTo(ctx, p, log, node, creq)
		}()
	}

	for _, node := range p.Acks() {
		if node != c.id {
			commit(node)
		}
	}
	for pending > 0 {
		select {
		case r := <-replies:
			pending--
			if r.err == nil && r.resp.Ack {
				p.ack(r.node)
				commit(r.node)
			}
		case <-pubCtx.Done():
			pending = 0
		}
	}
	wg.Wait()
	log.Debug("commit round finished", zap.Strings("commit_acks", p.CommitAcks()))
}

func (c *Controller) commitTo(ctx context.Context, p *Publication, log *zap.Logger, node string, creq transport.CommitRequest) {
	ctx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	defer cancel()

	resp, err := c.tr.SendCommit(ctx, node, creq)
	if err != nil {
		log.Debug("commit not delivered", logger.Peer(node), logger.Err(err))
		return
	}
	if resp.Ack {
		p.commitAck(node)
		return
	}
	if !errors.Is(rejectErr(resp.Reason, nil), applier.ErrNoStagedCandidate) {
		log.Debug("commit rejected", logger.Peer(node), logger.Reason(resp.Reason))
		return
	}

	// el nodo perdió el publish: reenviarlo una vez y reintentar el commit
	preq := transport.PublishRequest{From: c.id, PublicationID: creq.PublicationID, Snapshot: p.Candidate}
	presp, err := c.tr.SendPublish(ctx, node, preq)
	if err != nil || !presp.Ack {
		log.Debug("publish retransmit failed", logger.Peer(node), logger.Err(rejectErr(presp.Reason, err)))
		return
	}
	resp, err = c.tr.SendCommit(ctx, node, creq)
	if err == nil && resp.Ack {
		p.commitAck(node)
	}
}

func (c *Controller) fail(p *Publication, log *zap.Logger, err error) {
	if !p.finish(err) {
		return
	}
	c.metrics.ObservePublication(resultLabel(err), time.Since(p.StartedAt))
	log.Warn("publication failed", logger.Err(err), zap.Strings("acks", p.Acks()), zap.Int("quorum", p.RequiredQuorum))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrPublishTimeout):
		return "timeout"
	case errors.Is(err, ErrSteppedDown):
		return "stepped_down"
	case errors.Is(err, ErrQuorumNotReached):
		return "quorum_not_reached"
	case errors.Is(err, ErrLocalApply):
		return "local_apply"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "failed"
	}
}

// rejectErr devuelve el error de transporte o, si no hubo, el motivo del rechazo.
func rejectErr(reason string, err error) error {
	if err != nil {
		return err
	}
	return applier.ReasonError(reason)
}
