package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para la duración de una operación.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - CLUSTER STATE
// =================================================================================

// NodeID crea un campo para el ID de un nodo.
func NodeID(v string) zap.Field {
	return zap.String("node_id", v)
}

// Peer crea un campo para el nodo remoto de un mensaje.
func Peer(v string) zap.Field {
	return zap.String("peer", v)
}

// Term crea un campo para el term de liderazgo.
func Term(v uint64) zap.Field {
	return zap.Uint64("term", v)
}

// Version crea un campo para la version del cluster state.
func Version(v uint64) zap.Field {
	return zap.Uint64("version", v)
}

// Kind crea un campo para el kind de un batch de tasks.
func Kind(v string) zap.Field {
	return zap.String("kind", v)
}

// Phase crea un campo para la fase de una máquina de estados.
func Phase(v string) zap.Field {
	return zap.String("phase", v)
}

// PublicationID crea un campo para el ID de una publicación.
func PublicationID(v string) zap.Field {
	return zap.String("publication_id", v)
}

// Reason crea un campo para el motivo de un rechazo.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Key crea un campo genérico para una clave.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
