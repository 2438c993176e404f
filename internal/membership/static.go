package membership

import (
	"fmt"
	"sync"
)

// Static es una membership fijada a mano: single-node, modo estático por config y tests.
type Static struct {
	mu    sync.RWMutex
	nodes []Node
	lead  Leadership
	b     broadcaster
}

func NewStatic(nodes []Node, lead Leadership) *Static {
	return &Static{nodes: append([]Node(nil), nodes...), lead: lead}
}

func (s *Static) Leadership() Leadership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lead
}

func (s *Static) IsLeader(id string, term uint64) bool {
	l := s.Leadership()
	return l.LeaderID != "" && l.LeaderID == id && l.Term == term
}

func (s *Static) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Node(nil), s.nodes...)
}

func (s *Static) MasterEligible() []Node { return eligible(s.Nodes()) }

func (s *Static) Subscribe() (<-chan Leadership, func()) { return s.b.subscribe() }

// SetLeader abre un term nuevo con id como líder ("" = sin líder).
func (s *Static) SetLeader(id string) Leadership {
	s.mu.Lock()
	s.lead = Leadership{Term: s.lead.Term + 1, LeaderID: id}
	l := s.lead
	s.mu.Unlock()
	s.b.publish(l)
	return l
}

// SetTerm fija term y líder. El term nunca retrocede; repetir el estado actual no emite evento.
func (s *Static) SetTerm(term uint64, leader string) error {
	s.mu.Lock()
	if term < s.lead.Term || (term == s.lead.Term && leader != s.lead.LeaderID) {
		cur := s.lead
		s.mu.Unlock()
		return fmt.Errorf("membership: term %d/%q does not supersede %d/%q", term, leader, cur.Term, cur.LeaderID)
	}
	if term == s.lead.Term {
		s.mu.Unlock()
		return nil
	}
	s.lead = Leadership{Term: term, LeaderID: leader}
	l := s.lead
	s.mu.Unlock()
	s.b.publish(l)
	return nil
}

// SetNodes reemplaza la lista de nodos.
func (s *Static) SetNodes(nodes []Node) {
	s.mu.Lock()
	s.nodes = append([]Node(nil), nodes...)
	s.mu.Unlock()
}
