// Package publication implementa el protocolo de dos fases (publish -> commit) que
// propaga un candidato a todos los nodos y lo vuelve autoritativo con quorum.
package publication

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/clusterstate/internal/state"
)

var (
	// ErrPublishTimeout: no se juntó quorum de publish-acks a tiempo. Reintentable.
	ErrPublishTimeout = errors.New("publication timed out")
	// ErrSteppedDown: este nodo dejó de ser líder del term del candidato.
	ErrSteppedDown = errors.New("stepped down")
	// ErrQuorumNotReached: respondieron todos y el quorum es imposible. Reintentable.
	ErrQuorumNotReached = errors.New("quorum not reached")
	// ErrLocalApply: el applier del propio líder rechazó o no pudo aplicar el candidato.
	ErrLocalApply = errors.New("leader could not apply its own candidate")
	// ErrClosed: el controller se detuvo con la publicación pendiente.
	ErrClosed = errors.New("publication controller stopped")
)

// Phase de una publicación.
type Phase int32

const (
	Publishing Phase = iota
	Committing
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Publishing:
		return "publishing"
	case Committing:
		return "committing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Quorum es la mayoría estricta de n nodos master-eligible.
func Quorum(n int) int { return n/2 + 1 }

// Publication es una instancia del protocolo para un candidato. La posee el Controller;
// el resto sólo la observa.
type Publication struct {
	ID             uuid.UUID
	Candidate      state.Snapshot
	RequiredQuorum int
	StartedAt      time.Time

	eligible map[string]bool

	mu         sync.Mutex
	phase      Phase
	acks       map[string]bool // publish-acks de nodos master-eligible
	others     map[string]bool // publish-acks de nodos no elegibles
	commitAcks map[string]bool
	err        error
	finishedAt time.Time
	done       chan struct{}
}

func newPublication(candidate state.Snapshot, eligible []string) *Publication {
	set := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		set[id] = true
	}
	return &Publication{
		ID:             uuid.New(),
		Candidate:      candidate,
		RequiredQuorum: Quorum(len(set)),
		StartedAt:      time.Now(),
		eligible:       set,
		acks:           make(map[string]bool),
		others:         make(map[string]bool),
		commitAcks:     make(map[string]bool),
		done:           make(chan struct{}),
	}
}

func (p *Publication) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Err es nil salvo en Failed.
func (p *Publication) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done se cierra al llegar a Completed o Failed.
func (p *Publication) Done() <-chan struct{} { return p.done }

// Wait bloquea hasta el final de la publicación y devuelve su error.
func (p *Publication) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acks devuelve los nodos (de cualquier tipo) que aceptaron el publish, ordenados.
func (p *Publication) Acks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.acks, p.others)
}

// CommitAcks devuelve los nodos que confirmaron el commit, ordenados.
func (p *Publication) CommitAcks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.commitAcks)
}

// ack registra un publish-ack. Devuelve true si ahora hay quorum.
func (p *Publication) ack(node string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eligible[node] {
		p.acks[node] = true
	} else {
		p.others[node] = true
	}
	return len(p.acks) >= p.RequiredQuorum
}

func (p *Publication) hasQuorum() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks) >= p.RequiredQuorum
}

func (p *Publication) commitAck(node string) {
	p.mu.Lock()
	p.commitAcks[node] = true
	p.mu.Unlock()
}

func (p *Publication) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// finish mueve a Completed (err nil) o Failed. Sólo la primera llamada tiene efecto.
func (p *Publication) finish(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == Completed || p.phase == Failed {
		return false
	}
	if err != nil {
		p.phase, p.err = Failed, err
	} else {
		p.phase = Completed
	}
	p.finishedAt = time.Now()
	close(p.done)
	return true
}

// Summary es la vista serializable de una publicación.
type Summary struct {
	ID             string    `json:"id"`
	Term           uint64    `json:"term"`
	Version        uint64    `json:"version"`
	Phase          string    `json:"phase"`
	RequiredQuorum int       `json:"requiredQuorum"`
	Acks           []string  `json:"acks"`
	CommitAcks     []string  `json:"commitAcks"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt,omitempty"`
}

func (p *Publication) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{
		ID:             p.ID.String(),
		Term:           p.Candidate.Term,
		Version:        p.Candidate.Version,
		Phase:          p.phase.String(),
		RequiredQuorum: p.RequiredQuorum,
		Acks:           sortedKeys(p.acks, p.others),
		CommitAcks:     sortedKeys(p.commitAcks),
		StartedAt:      p.StartedAt,
		FinishedAt:     p.finishedAt,
	}
	if p.err != nil {
		s.Error = p.err.Error()
	}
	return s
}

func sortedKeys(sets ...map[string]bool) []string {
	out := []string{}
	for _, m := range sets {
		for k := range m {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
