package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
)

// Registry mapea kinds a executors. Agregar un kind es registrar una implementación nueva.
type Registry struct {
	mu    sync.RWMutex
	execs map[taskqueue.Kind]Executor
}

func NewRegistry() *Registry {
	return &Registry{execs: make(map[taskqueue.Kind]Executor)}
}

// NewDefaultRegistry trae registrados los executors built-in.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindErrorRecord, ErrorRecorder{})
	r.MustRegister(KindAck, Ack{})
	r.MustRegister(KindPut, Put{})
	r.MustRegister(KindDelete, Delete{})
	return r
}

func (r *Registry) Register(kind taskqueue.Kind, e Executor) error {
	if kind == "" || e == nil {
		return fmt.Errorf("register executor: empty kind or nil executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.execs[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.execs[kind] = e
	return nil
}

func (r *Registry) MustRegister(kind taskqueue.Kind, e Executor) {
	if err := r.Register(kind, e); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(kind taskqueue.Kind) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[kind]
	return e, ok
}

// Kinds devuelve los kinds registrados, ordenados.
func (r *Registry) Kinds() []taskqueue.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]taskqueue.Kind, 0, len(r.execs))
	for k := range r.execs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute corre el executor del kind del batch. Cualquier error (incluido un panic)
// se devuelve como *BatchError.
func (r *Registry) Execute(ctx context.Context, b Batch) (res Result, err error) {
	e, ok := r.Lookup(b.Kind)
	if !ok {
		return Result{}, &BatchError{Kind: b.Kind, Err: ErrUnknownKind}
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = Result{}
			err = &BatchError{Kind: b.Kind, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	res, err = e.Execute(ctx, b)
	if err != nil {
		return Result{}, &BatchError{Kind: b.Kind, Err: err}
	}
	if len(res.Outcomes) != len(b.Tasks) {
		return Result{}, &BatchError{Kind: b.Kind, Err: fmt.Errorf("%w: got %d want %d", ErrOutcomeMismatch, len(res.Outcomes), len(b.Tasks))}
	}
	return res, nil
}
