// Package taskqueue recibe las mutaciones enviadas por los callers y las agrupa por
// kind para que el coordinator las procese en batches.
package taskqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifica el tipo de mutación (y por lo tanto el executor que la procesa).
type Kind string

// Result es el outcome de una task: Value en éxito o Err en falla.
type Result struct {
	Value any
	Err   error
}

// Listener recibe el outcome de una task exactamente una vez.
type Listener func(Result)

// Task es una mutación pendiente. Pertenece al submitter hasta que el coordinator la drena.
type Task struct {
	ID          uuid.UUID
	Kind        Kind
	Payload     json.RawMessage
	SubmittedAt time.Time

	listener Listener
	handle   *Handle
	once     sync.Once
}

// Complete entrega el outcome. Llamadas posteriores se ignoran.
func (t *Task) Complete(res Result) bool {
	delivered := false
	t.once.Do(func() {
		delivered = true
		t.handle.resolve(res)
		if t.listener != nil {
			t.listener(res)
		}
	})
	return delivered
}

// Succeed es un atajo para Complete(Result{Value: v}).
func (t *Task) Succeed(v any) bool { return t.Complete(Result{Value: v}) }

// Fail es un atajo para Complete(Result{Err: err}).
func (t *Task) Fail(err error) bool { return t.Complete(Result{Err: err}) }

// Handle es lo que recibe el submitter: permite esperar el outcome sin registrar listener.
type Handle struct {
	ID   uuid.UUID
	Kind Kind

	done chan struct{}
	res  Result
}

func newHandle(id uuid.UUID, kind Kind) *Handle {
	return &Handle{ID: id, Kind: kind, done: make(chan struct{})}
}

func (h *Handle) resolve(res Result) {
	h.res = res
	close(h.done)
}

// Done se cierra cuando el outcome está disponible.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result devuelve el outcome y si ya estaba disponible.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return Result{}, false
	}
}

// Wait bloquea hasta el outcome o hasta que ctx termine.
// Cancelar ctx no cancela la task: solo deja de esperar.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
