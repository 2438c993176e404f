package state

import (
	"bytes"
	"encoding/json"
	"sort"
)

type entries map[string]json.RawMessage

// Content es el payload opaco del cluster state: un mapa clave -> JSON.
// Es inmutable; With/Without devuelven copias (copy-on-write).
// El valor cero se comporta como un contenido vacío.
type Content struct {
	m *entries
}

// NewContent copia m en un Content nuevo.
func NewContent(m map[string]json.RawMessage) Content {
	e := make(entries, len(m))
	for k, v := range m {
		e[k] = cloneRaw(v)
	}
	return Content{m: &e}
}

func (c Content) entries() entries {
	if c.m == nil {
		return nil
	}
	return *c.m
}

// Same indica si ambos valores comparten la misma representación.
// Es la forma en que el coordinator detecta "sin cambios".
func (c Content) Same(o Content) bool {
	if c.m == nil || o.m == nil {
		return c.m == nil && o.m == nil
	}
	return c.m == o.m
}

// Equal compara semánticamente.
func (c Content) Equal(o Content) bool {
	if c.Same(o) {
		return true
	}
	a, b := c.entries(), o.entries()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

func (c Content) Len() int { return len(c.entries()) }

// Get devuelve una copia del valor.
func (c Content) Get(key string) (json.RawMessage, bool) {
	v, ok := c.entries()[key]
	if !ok {
		return nil, false
	}
	return cloneRaw(v), true
}

// Keys devuelve las claves ordenadas.
func (c Content) Keys() []string {
	e := c.entries()
	out := make([]string, 0, len(e))
	for k := range e {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KeysWithPrefix devuelve las claves ordenadas que empiezan con prefix.
func (c Content) KeysWithPrefix(prefix string) []string {
	var out []string
	for _, k := range c.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}

// With devuelve un Content con key=value. Si el valor ya es idéntico devuelve c tal cual.
func (c Content) With(key string, value json.RawMessage) Content {
	if cur, ok := c.entries()[key]; ok && bytes.Equal(cur, value) {
		return c
	}
	e := make(entries, len(c.entries())+1)
	for k, v := range c.entries() {
		e[k] = v
	}
	e[key] = cloneRaw(value)
	return Content{m: &e}
}

// Without devuelve un Content sin key. Si la clave no existe devuelve c tal cual.
func (c Content) Without(key string) Content {
	if _, ok := c.entries()[key]; !ok {
		return c
	}
	e := make(entries, len(c.entries()))
	for k, v := range c.entries() {
		if k != key {
			e[k] = v
		}
	}
	return Content{m: &e}
}

// Map devuelve una copia plana del contenido.
func (c Content) Map() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, c.Len())
	for k, v := range c.entries() {
		out[k] = cloneRaw(v)
	}
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	e := c.entries()
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]json.RawMessage(e))
}

func (c *Content) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*c = NewContent(m)
	return nil
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}
