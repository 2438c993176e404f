// Package executor contiene la lógica por kind que transforma un snapshot y un batch
// ordenado de tasks en un nuevo content más un outcome por task.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
)

var (
	ErrUnknownKind     = errors.New("no executor registered for kind")
	ErrDuplicateKind   = errors.New("executor already registered for kind")
	ErrOutcomeMismatch = errors.New("executor returned wrong number of outcomes")
	ErrInvalidPayload  = errors.New("invalid task payload")
	ErrReservedKey     = errors.New("key is reserved")
)

// Batch es la entrada de un Executor. Previous es el último snapshot autoritativo
// y no debe mutarse.
type Batch struct {
	Term     uint64
	Kind     taskqueue.Kind
	Previous state.Snapshot
	Tasks    []*taskqueue.Task
}

// Result es la salida de un Executor. Outcomes está alineado con Batch.Tasks.
// Si ninguna task cambió el content, Content debe ser Previous.Content tal cual.
type Result struct {
	Content  state.Content
	Outcomes []taskqueue.Result
}

// Unchanged indica si el resultado puede saltear la publicación.
func (r Result) Unchanged(prev state.Snapshot) bool { return r.Content.Same(prev.Content) }

// Executor procesa un batch de tasks del mismo kind. Debe ser una función pura de sus
// entradas. Un error retornado falla el batch completo.
type Executor interface {
	Execute(ctx context.Context, b Batch) (Result, error)
}

// Func adapta una función al contrato Executor.
type Func func(ctx context.Context, b Batch) (Result, error)

func (f Func) Execute(ctx context.Context, b Batch) (Result, error) { return f(ctx, b) }

// BatchError envuelve la falla de un executor. Todas las tasks del batch la reciben.
type BatchError struct {
	Kind taskqueue.Kind
	Err  error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("executor %q failed: %v", e.Kind, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// IsBatchError reporta si err proviene de la falla de un executor.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

// unchanged arma un Result sin cambios con un outcome exitoso por task.
func unchanged(b Batch, value func(*taskqueue.Task) any) Result {
	out := make([]taskqueue.Result, len(b.Tasks))
	for i, t := range b.Tasks {
		out[i] = taskqueue.Result{Value: value(t)}
	}
	return Result{Content: b.Previous.Content, Outcomes: out}
}
