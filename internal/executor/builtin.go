package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
)

const (
	KindErrorRecord taskqueue.Kind = "error.record"
	KindAck         taskqueue.Kind = "noop.ack"
	KindPut         taskqueue.Kind = "content.put"
	KindDelete      taskqueue.Kind = "content.delete"
)

// ErrorReport es el payload de KindErrorRecord. Un Message vacío limpia el registro de Source.
type ErrorReport struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// PutRequest es el payload de KindPut.
type PutRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// DeleteRequest es el payload de KindDelete.
type DeleteRequest struct {
	Key string `json:"key"`
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ErrorRecorder persiste en el content el resultado fallido de una actividad externa,
// estampado con el term del líder que lo escribe. Un payload inválido falla sólo esa task.
type ErrorRecorder struct{}

func (ErrorRecorder) Execute(_ context.Context, b Batch) (Result, error) {
	content := b.Previous.Content
	out := make([]taskqueue.Result, len(b.Tasks))

	for i, t := range b.Tasks {
		var rep ErrorReport
		if err := decodePayload(t.Payload, &rep); err != nil {
			out[i] = taskqueue.Result{Err: err}
			continue
		}
		if strings.TrimSpace(rep.Source) == "" {
			out[i] = taskqueue.Result{Err: fmt.Errorf("%w: source is required", ErrInvalidPayload)}
			continue
		}
		key := state.ErrorKey(rep.Source)

		if rep.Message == "" {
			content = content.Without(key)
			out[i] = taskqueue.Result{}
			continue
		}

		if raw, ok := content.Get(key); ok {
			var cur state.ErrorRecord
			if json.Unmarshal(raw, &cur) == nil && cur.Term == b.Term && cur.Message == rep.Message {
				// ya registrado por este líder
				out[i] = taskqueue.Result{Value: cur}
				continue
			}
		}

		rec := state.ErrorRecord{
			Term:       b.Term,
			Source:     rep.Source,
			Message:    rep.Message,
			RecordedAt: t.SubmittedAt.UTC(),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return Result{}, fmt.Errorf("encode error record: %w", err)
		}
		content = content.With(key, raw)
		out[i] = taskqueue.Result{Value: rec}
	}
	return Result{Content: content, Outcomes: out}, nil
}

// Ack confirma tasks que ya están satisfechas por el estado actual. Nunca publica.
type Ack struct{}

func (Ack) Execute(_ context.Context, b Batch) (Result, error) {
	id := b.Previous.ID()
	return unchanged(b, func(*taskqueue.Task) any { return id }), nil
}

// Put escribe key=value. Las claves bajo errors/ son exclusivas de ErrorRecorder.
type Put struct{}

func (Put) Execute(_ context.Context, b Batch) (Result, error) {
	content := b.Previous.Content
	out := make([]taskqueue.Result, len(b.Tasks))
	for i, t := range b.Tasks {
		var req PutRequest
		if err := decodePayload(t.Payload, &req); err != nil {
			out[i] = taskqueue.Result{Err: err}
			continue
		}
		if err := checkKey(req.Key); err != nil {
			out[i] = taskqueue.Result{Err: err}
			continue
		}
		if len(req.Value) == 0 || !json.Valid(req.Value) {
			out[i] = taskqueue.Result{Err: fmt.Errorf("%w: value must be valid JSON", ErrInvalidPayload)}
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, req.Value); err != nil {
			out[i] = taskqueue.Result{Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
			continue
		}
		content = content.With(req.Key, buf.Bytes())
		out[i] = taskqueue.Result{Value: req.Key}
	}
	return Result{Content: content, Outcomes: out}, nil
}

// Delete remueve key. Borrar una clave inexistente no cambia el estado; el outcome
// indica si la clave existía.
type Delete struct{}

func (Delete) Execute(_ context.Context, b Batch) (Result, error) {
	content := b.Previous.Content
	out := make([]taskqueue.Result, len(b.Tasks))
	for i, t := range b.Tasks {
		var req DeleteRequest
		if err := decodePayload(t.Payload, &req); err != nil {
			out[i] = taskqueue.Result{Err: err}
			continue
		}
		if err := checkKey(req.Key); err != nil {
			out[i] = taskqueue.Result{Err: err}
			continue
		}
		next := content.Without(req.Key)
		out[i] = taskqueue.Result{Value: !next.Same(content)}
		content = next
	}
	return Result{Content: content, Outcomes: out}, nil
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidPayload)
	}
	if state.IsErrorKey(key) {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	return nil
}
