package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/hashicorp/raft"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/clusterstate/internal/applier"
	"github.com/dropDatabas3/clusterstate/internal/config"
	"github.com/dropDatabas3/clusterstate/internal/history"
	httpserver "github.com/dropDatabas3/clusterstate/internal/http"
	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/metrics"
	"github.com/dropDatabas3/clusterstate/internal/mirror"
	"github.com/dropDatabas3/clusterstate/internal/node"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

func main() {
	var (
		flagConfigPath = flag.String("config", "", "ruta a config.yaml (fallback: $CONFIG_PATH; vacío = sólo env)")
		flagEnvFile    = flag.String("env-file", ".env", "ruta a .env (si existe, se carga)")
		flagPrint      = flag.Bool("print-config", false, "imprime config efectiva y termina")
	)
	flag.Parse()

	if *flagEnvFile != "" {
		// .env es opcional
		_ = godotenv.Load(*flagEnvFile)
	}
	path := *flagConfigPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *flagPrint {
		_ = yaml.NewEncoder(os.Stdout).Encode(cfg)
		return
	}

	proc := logger.Start(logger.Config{
		Env:         cfg.App.Env,
		Level:       cfg.Log.Level,
		ServiceName: "clusterstate",
		Version:     cfg.App.Version,
		NodeID:      cfg.Node.ID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, proc)
	stop()
	if err != nil {
		proc.Logger.Error("clusterstate exited with error", logger.Err(err))
		_ = proc.Stop()
		os.Exit(1)
	}
	_ = proc.Stop()
}

func run(ctx context.Context, cfg *config.Config, proc *logger.Process) error {
	log := proc.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return err
	}

	members, closeMembers, err := buildMembership(cfg, log, m)
	if err != nil {
		return err
	}
	defer closeMembers()

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	peers := make(map[string]string, len(cfg.Cluster.Nodes))
	for id, u := range cfg.Cluster.Nodes {
		if id != cfg.Node.ID {
			peers[id] = u
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var observers []applier.Observer
	if cfg.Mirror.RedisAddr != "" {
		mr, err := mirror.NewRedis(ctx, mirror.Options{
			NodeID:   cfg.Node.ID,
			Addr:     cfg.Mirror.RedisAddr,
			Password: cfg.Mirror.RedisPassword,
			DB:       cfg.Mirror.RedisDB,
			Prefix:   cfg.Mirror.Prefix,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		defer mr.Close()
		observers = append(observers, mr.Observe)
		g.Go(func() error { return mr.Run(gctx) })
		log.Info("redis mirror enabled", zap.String("addr", cfg.Mirror.RedisAddr), zap.String("channel", mr.Channel()))
	}

	var hist httpserver.HistoryReader
	if cfg.History.PostgresDSN != "" {
		h, err := history.Open(ctx, history.Options{
			NodeID:   cfg.Node.ID,
			DSN:      cfg.History.PostgresDSN,
			MaxConns: cfg.History.MaxConns,
			Logger:   log,
			Markers:  proc.Markers,
		})
		if err != nil {
			return err
		}
		defer h.Close()
		observers = append(observers, h.Observe)
		hist = h
		g.Go(func() error { return h.Run(gctx) })
		log.Info("postgres history enabled")
	}

	n, err := node.New(node.Options{
		ID:             cfg.Node.ID,
		Membership:     members,
		Transport:      transport.NewHTTPClient(peers, cfg.Transport.Timeout),
		Store:          store,
		PublishTimeout: cfg.Publication.Timeout,
		CommitTimeout:  cfg.Publication.CommitTimeout,
		Observers:      observers,
		Logger:         log,
		Markers:        proc.Markers,
		Metrics:        m,
	})
	if err != nil {
		return err
	}

	api := httpserver.NewAPI(httpserver.Options{
		Node:          n,
		LeaderURLs:    cfg.Cluster.Nodes,
		SubmitTimeout: cfg.API.SubmitTimeout,
		Gatherer:      reg,
		History:       hist,
		Logger:        log,
	})
	srv := httpserver.NewServer(cfg.Node.HTTPAddr, api.Handler())

	g.Go(func() error { return n.Run(gctx) })
	g.Go(func() error { return httpserver.ListenAndServe(gctx, srv, log) })
	return g.Wait()
}

func clusterNodes(cfg *config.Config) []membership.Node {
	ids := make([]string, 0, len(cfg.Cluster.Nodes))
	for id := range cfg.Cluster.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]membership.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, membership.Node{ID: id, Addr: cfg.Cluster.Nodes[id], MasterEligible: cfg.Eligible(id)})
	}
	return out
}

func buildMembership(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (membership.Membership, func(), error) {
	nodes := clusterNodes(cfg)
	if cfg.Cluster.Mode == config.ModeStatic {
		log.Info("static membership",
			logger.Term(cfg.Cluster.Term), zap.String("leader", cfg.Cluster.Leader), logger.Count(len(nodes)))
		s := membership.NewStatic(nodes, membership.Leadership{Term: cfg.Cluster.Term, LeaderID: cfg.Cluster.Leader})
		return s, func() {}, nil
	}

	e, err := membership.NewRaftElector(membership.RaftOptions{
		NodeID:             cfg.Node.ID,
		RaftAddr:           cfg.Raft.Addr,
		RaftDir:            cfg.Raft.Dir,
		Peers:              cfg.Raft.Peers,
		Nodes:              nodes,
		BootstrapPreferred: cfg.Raft.BootstrapPreferred,
		DisableBootstrap:   cfg.Raft.DisableBootstrap,
		TLSCertFile:        cfg.Raft.TLSCertFile,
		TLSKeyFile:         cfg.Raft.TLSKeyFile,
		TLSCAFile:          cfg.Raft.TLSCAFile,
		TLSServerName:      cfg.Raft.TLSServerName,
		Logger:             log,
		Metrics:            m,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("raft elector: %w", err)
	}
	return e, func() {
		if err := e.Close(); err != nil {
			log.Warn("raft close", logger.Err(err))
		}
	}, nil
}

func buildStore(cfg *config.Config) (raft.StableStore, func(), error) {
	if cfg.Storage.Kind != config.StorageBolt {
		return applier.NewMemoryStore(), func() {}, nil
	}
	b, err := applier.OpenBolt(cfg.Storage.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	return b, func() { _ = b.Close() }, nil
}
