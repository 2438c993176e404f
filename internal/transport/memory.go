package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Network es una red en memoria entre handlers registrados. Permite aislar nodos,
// cortar enlaces y agregar latencia, para tests y demos multi-nodo en un proceso.
type Network struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	isolated   map[string]bool
	cut        map[[2]string]bool
	delay      map[string]time.Duration
	replyDelay map[string]time.Duration
	timeout    time.Duration
}

// NewNetwork crea una red vacía. timeout acota cada request (0 = sólo el ctx del caller).
func NewNetwork(timeout time.Duration) *Network {
	return &Network{
		handlers:   make(map[string]Handler),
		isolated:   make(map[string]bool),
		cut:        make(map[[2]string]bool),
		delay:      make(map[string]time.Duration),
		replyDelay: make(map[string]time.Duration),
		timeout:    timeout,
	}
}

func (n *Network) Register(id string, h Handler) {
	n.mu.Lock()
	n.handlers[id] = h
	n.mu.Unlock()
}

// Transport devuelve la vista de la red desde el nodo from.
func (n *Network) Transport(from string) Transport {
	return &memTransport{net: n, from: from}
}

// Isolate descarta todo el tráfico desde y hacia id. Los requests terminan en timeout.
func (n *Network) Isolate(id string) {
	n.mu.Lock()
	n.isolated[id] = true
	n.mu.Unlock()
}

// Heal revierte Isolate, los cortes y las demoras que involucran a id.
func (n *Network) Heal(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, id)
	delete(n.delay, id)
	delete(n.replyDelay, id)
	for k := range n.cut {
		if k[0] == id || k[1] == id {
			delete(n.cut, k)
		}
	}
}

// Partition corta el enlace a<->b en ambos sentidos.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
	n.mu.Unlock()
}

// SetDelay demora la entrega de cada request dirigido a id.
func (n *Network) SetDelay(id string, d time.Duration) {
	n.mu.Lock()
	n.delay[id] = d
	n.mu.Unlock()
}

// SetReplyDelay entrega el request a id de inmediato pero demora su respuesta.
func (n *Network) SetReplyDelay(id string, d time.Duration) {
	n.mu.Lock()
	n.replyDelay[id] = d
	n.mu.Unlock()
}

type route struct {
	h          Handler
	dropped    bool
	delay      time.Duration
	replyDelay time.Duration
}

func (n *Network) route(from, to string) (route, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[to]
	if !ok {
		return route{}, fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	return route{
		h:          h,
		dropped:    n.isolated[from] || n.isolated[to] || n.cut[[2]string{from, to}],
		delay:      n.delay[to],
		replyDelay: n.replyDelay[to],
	}, nil
}

func (n *Network) deliver(ctx context.Context, from, to string, call func(context.Context, Handler) error) error {
	rt, err := n.route(from, to)
	if err != nil {
		return err
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if rt.dropped {
		<-ctx.Done()
		return ctxErr(ctx)
	}
	if err := sleep(ctx, rt.delay); err != nil {
		return err
	}
	if err := call(ctx, rt.h); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRemote, to, err)
	}
	return sleep(ctx, rt.replyDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

type memTransport struct {
	net  *Network
	from string
}

func (t *memTransport) SendPublish(ctx context.Context, to string, req PublishRequest) (PublishResponse, error) {
	var resp PublishResponse
	err := t.net.deliver(ctx, t.from, to, func(ctx context.Context, h Handler) error {
		var err error
		resp, err = h.HandlePublish(ctx, req)
		return err
	})
	if err != nil {
		return PublishResponse{}, err
	}
	return resp, nil
}

func (t *memTransport) SendCommit(ctx context.Context, to string, req CommitRequest) (CommitResponse, error) {
	var resp CommitResponse
	err := t.net.deliver(ctx, t.from, to, func(ctx context.Context, h Handler) error {
		var err error
		resp, err = h.HandleCommit(ctx, req)
		return err
	})
	if err != nil {
		return CommitResponse{}, err
	}
	return resp, nil
}
