// Package state define el snapshot inmutable del cluster state (term, version, content)
// y el orden total entre snapshots.
package state

import (
	"encoding/json"
	"fmt"
)

// ID identifica un snapshot. El orden es term primero y luego version.
type ID struct {
	Term    uint64 `json:"term"`
	Version uint64 `json:"version"`
}

// Compare devuelve -1, 0 o 1 comparando (term, version).
func (a ID) Compare(b ID) int {
	switch {
	case a.Term < b.Term:
		return -1
	case a.Term > b.Term:
		return 1
	case a.Version < b.Version:
		return -1
	case a.Version > b.Version:
		return 1
	default:
		return 0
	}
}

// After indica si a es estrictamente posterior a b.
func (a ID) After(b ID) bool { return a.Compare(b) > 0 }

func (a ID) String() string { return fmt.Sprintf("%d/%d", a.Term, a.Version) }

// Snapshot es una versión acordada del cluster state.
// Dos snapshots con el mismo ID deben tener el mismo contenido.
type Snapshot struct {
	Term    uint64  `json:"term"`
	Version uint64  `json:"version"`
	Content Content `json:"content"`
}

// Empty es el estado inicial de un nodo que nunca aplicó nada.
func Empty() Snapshot {
	return Snapshot{Content: NewContent(nil)}
}

// ID devuelve el par (term, version) del snapshot.
func (s Snapshot) ID() ID { return ID{Term: s.Term, Version: s.Version} }

// NewerThan compara únicamente por (term, version).
func (s Snapshot) NewerThan(o Snapshot) bool { return s.ID().After(o.ID()) }

// Next construye el candidato que sigue a s para el term dado.
// La version es global: siempre avanza en uno sin importar el cambio de term.
func (s Snapshot) Next(term uint64, content Content) Snapshot {
	return Snapshot{Term: term, Version: s.Version + 1, Content: content}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("snapshot{%s keys=%d}", s.ID(), s.Content.Len())
}

// Encode serializa el snapshot completo (persistencia y transporte).
func Encode(s Snapshot) ([]byte, error) { return json.Marshal(s) }

// Decode es el inverso de Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
