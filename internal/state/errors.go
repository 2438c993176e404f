package state

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ErrorKeyPrefix es el namespace reservado para los registros de error dentro del content.
const ErrorKeyPrefix = "errors/"

// ErrorRecord persiste en el cluster state el resultado fallido de una actividad
// externa (ej. una configuración que no validó). Term es el term del líder que
// lo escribió: entre dos registros, el de term mayor es el más nuevo.
type ErrorRecord struct {
	Term       uint64    `json:"term"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recordedAt"`
}

// ErrorKey devuelve la clave de content para una fuente.
func ErrorKey(source string) string { return ErrorKeyPrefix + source }

// IsErrorKey indica si la clave pertenece al namespace de errores.
func IsErrorKey(key string) bool { return strings.HasPrefix(key, ErrorKeyPrefix) }

// Supersedes indica si r es posterior a o. Solo se usa el term.
func (r ErrorRecord) Supersedes(o ErrorRecord) bool { return r.Term > o.Term }

// ErrorRecords decodifica todos los registros de error del content, ordenados por fuente.
// Las entradas que no decodifican se ignoran.
func (c Content) ErrorRecords() []ErrorRecord {
	keys := c.KeysWithPrefix(ErrorKeyPrefix)
	out := make([]ErrorRecord, 0, len(keys))
	for _, k := range keys {
		raw, _ := c.Get(k)
		var r ErrorRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// LatestErrorRecord devuelve el registro de mayor term (empate: el más reciente por RecordedAt).
func LatestErrorRecord(records []ErrorRecord) (ErrorRecord, bool) {
	if len(records) == 0 {
		return ErrorRecord{}, false
	}
	sorted := append([]ErrorRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Term != sorted[j].Term {
			return sorted[i].Term > sorted[j].Term
		}
		return sorted[i].RecordedAt.After(sorted[j].RecordedAt)
	})
	return sorted[0], true
}
