package membership

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/metrics"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
)

// membershipTimeout es el timeout por defecto para AddVoter / RemoveServer.
const membershipTimeout = 10 * time.Second

// pollInterval refresca term/líder aunque raft no emita una observación
// (ej. un term que avanza por una elección fallida).
const pollInterval = 250 * time.Millisecond

// RaftElector usa hashicorp/raft sólo para elegir líder: el log no replica nada
// (FSM no-op). El term de raft es el term del cluster state y los voters de raft
// son los nodos master-eligible.
type RaftElector struct {
	r     *raft.Raft
	id    raft.ServerID
	addr  raft.ServerAddress
	nodes []Node
	bolt  *raftboltdb.BoltStore

	log     *zap.Logger
	metrics *metrics.Metrics

	b            broadcaster
	mu           sync.Mutex
	last         Leadership
	membershipMu sync.Mutex // protege AddVoter / RemoveServer

	obs  *raft.Observer
	stop chan struct{}
	wg   sync.WaitGroup
}

type RaftOptions struct {
	NodeID   string
	RaftAddr string            // host:port del transporte raft
	RaftDir  string            // vacío = stores en memoria
	Peers    map[string]string // nodeID -> raftAddr de los voters. Si >1, bootstrap estático en un nodo.
	Nodes    []Node            // todos los nodos (incluye no elegibles)

	// BootstrapPreferred: este nodo hace el bootstrap inicial. Si es false se elige el menor NodeID.
	BootstrapPreferred bool
	// DisableBootstrap: nodo "join-only", espera a que el líder lo agregue.
	DisableBootstrap bool

	// TLS opcional (mTLS) para el transporte raft.
	TLSCertFile   string
	TLSKeyFile    string
	TLSCAFile     string
	TLSServerName string

	// Transport reemplaza al transporte TCP (tests: raft.NewInmemTransport).
	Transport raft.Transport
	// Tune ajusta la config de raft antes de arrancar (ej. timeouts cortos).
	Tune func(*raft.Config)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) any                 { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error) { return noopSnapshot{}, nil }
func (noopFSM) Restore(rc io.ReadCloser) error      { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

func NewRaftElector(opts RaftOptions) (*RaftElector, error) {
	if opts.NodeID == "" || (opts.RaftAddr == "" && opts.Transport == nil) {
		return nil, errors.New("membership: NodeID and RaftAddr (or Transport) are required")
	}
	log := logger.OrNop(opts.Logger).Named("raft")

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
		bolt        *raftboltdb.BoltStore
	)
	if opts.RaftDir == "" {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapStore = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(opts.RaftDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir raft dir: %w", err)
		}
		var err error
		bolt, err = raftboltdb.NewBoltStore(filepath.Join(opts.RaftDir, "raft.db"))
		if err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}
		logStore, stableStore = bolt, bolt
		snapStore, err = raft.NewFileSnapshotStore(opts.RaftDir, 2, io.Discard)
		if err != nil {
			_ = bolt.Close()
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
	}

	trans := opts.Transport
	if trans == nil {
		nt, err := newNetworkTransport(opts)
		if err != nil {
			closeBolt(bolt)
			return nil, err
		}
		trans = nt
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)
	cfg.LogOutput = zap.NewStdLog(log).Writer()
	if opts.Tune != nil {
		opts.Tune(cfg)
	}

	r, err := raft.NewRaft(cfg, noopFSM{}, logStore, stableStore, snapStore, trans)
	if err != nil {
		closeBolt(bolt)
		return nil, fmt.Errorf("new raft: %w", err)
	}

	e := &RaftElector{
		r:       r,
		id:      cfg.LocalID,
		addr:    trans.LocalAddr(),
		nodes:   append([]Node(nil), opts.Nodes...),
		bolt:    bolt,
		log:     log,
		metrics: opts.Metrics,
		stop:    make(chan struct{}),
	}

	if err := e.bootstrap(opts, logStore, stableStore, snapStore); err != nil {
		_ = e.Close()
		return nil, err
	}

	obsCh := make(chan raft.Observation, 16)
	e.obs = raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.LeaderObservation)
		return ok
	})
	r.RegisterObserver(e.obs)

	e.wg.Add(1)
	go e.watch(obsCh)

	return e, nil
}

func closeBolt(b *raftboltdb.BoltStore) {
	if b != nil {
		_ = b.Close()
	}
}

func (e *RaftElector) bootstrap(opts RaftOptions, ls raft.LogStore, ss raft.StableStore, snaps raft.SnapshotStore) error {
	hasState, err := raft.HasExistingState(ls, ss, snaps)
	if err != nil {
		return fmt.Errorf("check state: %w", err)
	}
	if hasState {
		return nil
	}
	if opts.DisableBootstrap {
		e.log.Info("join-only mode: skipping bootstrap", logger.NodeID(opts.NodeID))
		return nil
	}

	if len(opts.Peers) <= 1 {
		conf := raft.Configuration{Servers: []raft.Server{{ID: e.id, Address: e.addr}}}
		if err := e.r.BootstrapCluster(conf).Error(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		e.log.Info("bootstrapped single-node cluster", logger.NodeID(opts.NodeID))
		return nil
	}

	smallest := opts.NodeID
	for k := range opts.Peers {
		if k < smallest {
			smallest = k
		}
	}
	if !opts.BootstrapPreferred && opts.NodeID != smallest {
		e.log.Info("waiting to join static cluster", logger.NodeID(opts.NodeID), zap.String("bootstrapper", smallest))
		return nil
	}

	var servers []raft.Server
	for id, addr := range opts.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	if err := e.r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("bootstrap(static): %w", err)
	}
	e.log.Info("bootstrapped static cluster", logger.Count(len(servers)), logger.NodeID(opts.NodeID))
	return nil
}

// watch traduce observaciones de raft (y un poll periódico) en eventos de Leadership.
func (e *RaftElector) watch(obs <-chan raft.Observation) {
	defer e.wg.Done()
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-obs:
		case <-t.C:
		}
		e.refresh()
	}
}

func (e *RaftElector) refresh() {
	cur := e.Leadership()
	e.mu.Lock()
	changed := cur != e.last
	e.last = cur
	e.mu.Unlock()
	if !changed {
		return
	}
	e.metrics.LeadershipChanged()
	e.log.Info("leadership changed", logger.Term(cur.Term), zap.String("leader", cur.LeaderID))
	e.b.publish(cur)
}

func (e *RaftElector) term() uint64 {
	t, err := strconv.ParseUint(e.r.Stats()["term"], 10, 64)
	if err != nil {
		return 0
	}
	return t
}

func (e *RaftElector) Leadership() Leadership {
	_, id := e.r.LeaderWithID()
	return Leadership{Term: e.term(), LeaderID: string(id)}
}

func (e *RaftElector) IsLeader(id string, term uint64) bool {
	if raft.ServerID(id) != e.id || e.r.State() != raft.Leader {
		return false
	}
	return e.term() == term
}

func (e *RaftElector) Nodes() []Node { return append([]Node(nil), e.nodes...) }

// MasterEligible son los voters de la configuración actual de raft.
// Si la configuración no está disponible se usa la lista configurada.
func (e *RaftElector) MasterEligible() []Node {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conf, err := e.GetConfiguration(ctx)
	if err != nil {
		return eligible(e.nodes)
	}
	known := make(map[string]Node, len(e.nodes))
	for _, n := range e.nodes {
		known[n.ID] = n
	}
	out := make([]Node, 0, len(conf.Servers))
	for _, srv := range conf.Servers {
		if srv.Suffrage != raft.Voter {
			continue
		}
		n, ok := known[string(srv.ID)]
		if !ok {
			n = Node{ID: string(srv.ID)}
		}
		n.MasterEligible = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return eligible(e.nodes)
	}
	return out
}

func (e *RaftElector) Subscribe() (<-chan Leadership, func()) { return e.b.subscribe() }

// Stats expone el mapa de raft.Raft.Stats().
func (e *RaftElector) Stats() map[string]string { return e.r.Stats() }

func (e *RaftElector) Close() error {
	select {
	case <-e.stop:
		return nil
	default:
		close(e.stop)
	}
	if e.obs != nil {
		e.r.DeregisterObserver(e.obs)
	}
	e.wg.Wait()
	err := e.r.Shutdown().Error()
	closeBolt(e.bolt)
	return err
}

// ─── Membership helpers ───

// wait espera un future de raft respetando ctx.
func wait(ctx context.Context, f raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- f.Error() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (e *RaftElector) GetConfiguration(ctx context.Context) (raft.Configuration, error) {
	fut := e.r.GetConfiguration()
	if err := wait(ctx, fut); err != nil {
		return raft.Configuration{}, err
	}
	return fut.Configuration(), nil
}

// AddVoter agrega un nodo master-eligible. Idempotente: si ya existe con la misma
// dirección no hace nada; con otra dirección lo remueve y lo vuelve a agregar.
func (e *RaftElector) AddVoter(ctx context.Context, id, addr string) error {
	if id == "" || addr == "" {
		return errors.New("membership: id and addr are required")
	}
	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()

	conf, err := e.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	for _, srv := range conf.Servers {
		if srv.ID != raft.ServerID(id) {
			continue
		}
		if srv.Address == raft.ServerAddress(addr) {
			return nil
		}
		if err := e.removeServerLocked(ctx, id); err != nil {
			return fmt.Errorf("remove server before re-add: %w", err)
		}
		break
	}
	return wait(ctx, e.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, membershipTimeout))
}

// RemoveServer saca un nodo del set de voters. Idempotente.
func (e *RaftElector) RemoveServer(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("membership: id is required")
	}
	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()
	return e.removeServerLocked(ctx, id)
}

func (e *RaftElector) removeServerLocked(ctx context.Context, id string) error {
	conf, err := e.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}
	for _, srv := range conf.Servers {
		if srv.ID == raft.ServerID(id) {
			return wait(ctx, e.r.RemoveServer(srv.ID, 0, membershipTimeout))
		}
	}
	return nil
}

// ─── Transporte TCP / TLS ───

func newNetworkTransport(opts RaftOptions) (*raft.NetworkTransport, error) {
	if opts.TLSCertFile == "" {
		t, err := raft.NewTCPTransport(opts.RaftAddr, nil, 3, 10*time.Second, io.Discard)
		if err != nil {
			return nil, fmt.Errorf("tcp transport: %w", err)
		}
		return t, nil
	}
	bundle, err := loadTLSBundle(opts.TLSCertFile, opts.TLSKeyFile, opts.TLSCAFile, opts.TLSServerName)
	if err != nil {
		return nil, fmt.Errorf("raft tls: %w", err)
	}
	ln, err := tls.Listen("tcp", opts.RaftAddr, bundle.server)
	if err != nil {
		return nil, fmt.Errorf("tls listen: %w", err)
	}
	return raft.NewNetworkTransport(&tlsStream{ln: ln, cfg: bundle.client}, 3, 10*time.Second, io.Discard), nil
}

type tlsBundle struct {
	server *tls.Config
	client *tls.Config
}

func loadTLSBundle(certFile, keyFile, caFile, serverName string) (*tlsBundle, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("invalid CA file")
	}
	return &tlsBundle{
		server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAndVerifyClientCert,
			ClientCAs:    pool,
			MinVersion:   tls.VersionTLS12,
		},
		client: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
			ServerName:   serverName,
		},
	}, nil
}

type tlsStream struct {
	ln  net.Listener
	cfg *tls.Config
}

func (t *tlsStream) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(d, "tcp", string(address), t.cfg)
}
func (t *tlsStream) Accept() (net.Conn, error) { return t.ln.Accept() }
func (t *tlsStream) Close() error              { return t.ln.Close() }
func (t *tlsStream) Addr() net.Addr            { return t.ln.Addr() }
