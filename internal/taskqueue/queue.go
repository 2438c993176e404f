package taskqueue

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed se entrega a las tasks enviadas después de Close.
var ErrClosed = errors.New("task queue closed")

// Queue agrupa tasks por kind preservando FIFO dentro de cada kind.
// Submit es seguro para cualquier cantidad de goroutines; DrainNextBatch
// lo llama un único consumidor (el coordinator).
type Queue struct {
	mu       sync.Mutex
	pending  map[Kind][]*Task
	order    []Kind // kinds con backlog, ordenados por su task pendiente más vieja
	closeErr error

	ready chan struct{}
	now   func() time.Time
}

// New crea una cola vacía.
func New() *Queue {
	return &Queue{
		pending: make(map[Kind][]*Task),
		ready:   make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Submit encola la task y retorna inmediatamente. El outcome llega por listener
// (puede ser nil) y por el Handle devuelto.
func (q *Queue) Submit(kind Kind, payload json.RawMessage, listener Listener) *Handle {
	id := uuid.New()
	t := &Task{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		SubmittedAt: q.now().UTC(),
		listener:    listener,
		handle:      newHandle(id, kind),
	}

	q.mu.Lock()
	if q.closeErr != nil {
		err := q.closeErr
		q.mu.Unlock()
		t.Fail(err)
		return t.handle
	}
	backlog, ok := q.pending[kind]
	if !ok || len(backlog) == 0 {
		q.order = append(q.order, kind)
	}
	q.pending[kind] = append(backlog, t)
	q.mu.Unlock()

	q.signal()
	return t.handle
}

// DrainNextBatch remueve y devuelve todo el backlog del kind pendiente más antiguo.
func (q *Queue) DrainNextBatch() (Kind, []*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		kind := q.order[0]
		q.order = q.order[1:]
		tasks := q.pending[kind]
		delete(q.pending, kind)
		if len(tasks) > 0 {
			return kind, tasks, true
		}
	}
	return "", nil, false
}

// Ready recibe una señal cuando hay trabajo nuevo. Es level-triggered a lo sumo una vez:
// el consumidor debe drenar hasta que DrainNextBatch devuelva false.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len devuelve la cantidad de tasks pendientes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ts := range q.pending {
		n += len(ts)
	}
	return n
}

// FailAll drena todo el backlog y falla cada task con err. Devuelve cuántas falló.
func (q *Queue) FailAll(err error) int {
	q.mu.Lock()
	var drained []*Task
	for _, kind := range q.order {
		drained = append(drained, q.pending[kind]...)
	}
	q.pending = make(map[Kind][]*Task)
	q.order = nil
	q.mu.Unlock()

	for _, t := range drained {
		t.Fail(err)
	}
	return len(drained)
}

// Close rechaza futuros Submit con err (ErrClosed si es nil) y falla el backlog.
func (q *Queue) Close(err error) int {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	q.closeErr = err
	q.mu.Unlock()
	return q.FailAll(err)
}
