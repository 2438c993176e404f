// Package membership expone quién es el líder de cada term y el set de nodos
// master-eligible usado para calcular el quorum. La elección en sí es externa:
// Static la fija a mano y RaftElector la delega en hashicorp/raft.
package membership

import (
	"sync"
)

// Node es un miembro del cluster.
type Node struct {
	ID             string `json:"id" yaml:"id"`
	Addr           string `json:"addr,omitempty" yaml:"addr"`
	MasterEligible bool   `json:"masterEligible" yaml:"master_eligible"`
}

// Leadership es la vista actual de liderazgo. LeaderID vacío = sin líder conocido.
type Leadership struct {
	Term     uint64 `json:"term"`
	LeaderID string `json:"leaderId,omitempty"`
}

// Membership es el colaborador que consume el motor de coordinación.
type Membership interface {
	Leadership() Leadership
	// IsLeader indica si id es el líder del term dado (y ese term sigue vigente).
	IsLeader(id string, term uint64) bool
	Nodes() []Node
	MasterEligible() []Node
	// Subscribe entrega cada cambio de Leadership. cancel libera la suscripción.
	Subscribe() (<-chan Leadership, func())
}

func eligible(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.MasterEligible {
			out = append(out, n)
		}
	}
	return out
}

const subscriberBuffer = 16

// broadcaster reparte eventos de Leadership sin bloquear al emisor.
// Si un suscriptor está lleno se descarta su evento más viejo: el último siempre llega.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Leadership
}

func (b *broadcaster) subscribe() (<-chan Leadership, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan Leadership)
	}
	id := b.next
	b.next++
	ch := make(chan Leadership, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *broadcaster) publish(l Leadership) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- l:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- l:
		default:
		}
	}
}
