// Package transport define los mensajes publish/commit entre nodos y las formas de
// entregarlos: una red en memoria con inyección de fallas y un cliente/servidor HTTP.
package transport

import (
	"context"
	"errors"

	"github.com/dropDatabas3/clusterstate/internal/state"
)

var (
	// ErrTimeout: no hubo respuesta dentro del plazo. Distinto de un rechazo explícito.
	ErrTimeout = errors.New("transport: request timed out")
	// ErrUnreachable: el nodo no pudo ser contactado.
	ErrUnreachable = errors.New("transport: node unreachable")
	// ErrUnknownNode: el destino no está en la tabla de peers.
	ErrUnknownNode = errors.New("transport: unknown node")
	// ErrRemote: el nodo contestó con un error interno (no un rechazo).
	ErrRemote = errors.New("transport: remote error")
)

// Motivos de rechazo que viajan en las respuestas.
const (
	ReasonStaleTerm         = "stale_term"
	ReasonStaleVersion      = "stale_version"
	ReasonNoStagedCandidate = "no_staged_candidate"
)

// PublishRequest es la fase 1: el candidato completo. PublicationID distingue dos
// intentos del mismo líder con el mismo (term, version).
type PublishRequest struct {
	From          string         `json:"from"`
	PublicationID string         `json:"publicationId,omitempty"`
	Snapshot      state.Snapshot `json:"snapshot"`
}

// PublishResponse: Ack=true acepta (NoOp indica que ya lo tenía), Ack=false rechaza con Reason.
type PublishResponse struct {
	NodeID string `json:"nodeId"`
	Ack    bool   `json:"ack"`
	NoOp   bool   `json:"noop,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CommitRequest es la fase 2: sólo el ID del candidato ya stageado.
// Si PublicationID no es vacío debe coincidir con el del publish stageado.
type CommitRequest struct {
	From          string `json:"from"`
	PublicationID string `json:"publicationId,omitempty"`
	Term          uint64 `json:"term"`
	Version       uint64 `json:"version"`
}

func (r CommitRequest) ID() state.ID { return state.ID{Term: r.Term, Version: r.Version} }

// CommitResponse tiene la misma forma que PublishResponse.
type CommitResponse struct {
	NodeID string `json:"nodeId"`
	Ack    bool   `json:"ack"`
	NoOp   bool   `json:"noop,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Handler es el lado receptor (el applier de cada nodo).
// Un error retornado es una falla interna; los rechazos viajan en la respuesta.
type Handler interface {
	HandlePublish(ctx context.Context, req PublishRequest) (PublishResponse, error)
	HandleCommit(ctx context.Context, req CommitRequest) (CommitResponse, error)
}

// Transport entrega mensajes punto a punto.
type Transport interface {
	SendPublish(ctx context.Context, to string, req PublishRequest) (PublishResponse, error)
	SendCommit(ctx context.Context, to string, req CommitRequest) (CommitResponse, error)
}

// IsTimeout reporta si err es un timeout de transporte (y no un rechazo).
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Loopback entrega a Self directamente al handler local y el resto vía Next.
type Loopback struct {
	Self  string
	Local Handler
	Next  Transport
}

func (l Loopback) SendPublish(ctx context.Context, to string, req PublishRequest) (PublishResponse, error) {
	if to == l.Self {
		return l.Local.HandlePublish(ctx, req)
	}
	return l.Next.SendPublish(ctx, to, req)
}

func (l Loopback) SendCommit(ctx context.Context, to string, req CommitRequest) (CommitResponse, error) {
	if to == l.Self {
		return l.Local.HandleCommit(ctx, req)
	}
	return l.Next.SendCommit(ctx, to, req)
}
