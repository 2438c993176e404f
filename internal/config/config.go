package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeStatic = "static"
	ModeRaft   = "raft"

	StorageMemory = "memory"
	StorageBolt   = "bolt"
)

type Config struct {
	App struct {
		// dev | prod
		Env     string `yaml:"env"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Node struct {
		ID       string `yaml:"id"`
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"node"`

	Cluster struct {
		Mode string `yaml:"mode"` // static | raft
		// Nodes: nodeID -> base URL HTTP (publish/commit y redirects al líder).
		Nodes map[string]string `yaml:"nodes"`
		// MasterEligible: ids que cuentan para el quorum. Vacío = todos los de Nodes.
		MasterEligible []string `yaml:"master_eligible"`
		// Leader / Term sólo aplican en modo static.
		Leader string `yaml:"leader"`
		Term   uint64 `yaml:"term"`
	} `yaml:"cluster"`

	Raft struct {
		Addr               string            `yaml:"addr"`
		Dir                string            `yaml:"dir"`
		Peers              map[string]string `yaml:"peers"` // nodeID -> raft host:port
		BootstrapPreferred bool              `yaml:"bootstrap_preferred"`
		DisableBootstrap   bool              `yaml:"disable_bootstrap"`
		TLSCertFile        string            `yaml:"tls_cert_file"`
		TLSKeyFile         string            `yaml:"tls_key_file"`
		TLSCAFile          string            `yaml:"tls_ca_file"`
		TLSServerName      string            `yaml:"tls_server_name"`
	} `yaml:"raft"`

	Publication struct {
		Timeout       time.Duration `yaml:"timeout"`
		CommitTimeout time.Duration `yaml:"commit_timeout"`
	} `yaml:"publication"`

	Transport struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"transport"`

	API struct {
		SubmitTimeout time.Duration `yaml:"submit_timeout"`
	} `yaml:"api"`

	Storage struct {
		Kind string `yaml:"kind"` // memory | bolt
		Dir  string `yaml:"dir"`
	} `yaml:"storage"`

	Mirror struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		Prefix        string `yaml:"prefix"`
	} `yaml:"mirror"`

	History struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
	} `yaml:"history"`
}

// Load lee path (si no es vacío), aplica defaults y overrides por env, y valida.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	// rutas relativas al directorio del YAML
	if path != "" {
		base := filepath.Dir(path)
		c.Storage.Dir = resolve(base, c.Storage.Dir)
		c.Raft.Dir = resolve(base, c.Raft.Dir)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func resolve(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Node.HTTPAddr == "" {
		c.Node.HTTPAddr = ":8080"
	}
	if strings.TrimSpace(c.Cluster.Mode) == "" {
		c.Cluster.Mode = ModeStatic
	}
	if c.Cluster.Nodes == nil {
		c.Cluster.Nodes = map[string]string{}
	}
	// single-node: el propio nodo es todo el cluster
	if len(c.Cluster.Nodes) == 0 && c.Node.ID != "" {
		c.Cluster.Nodes[c.Node.ID] = localURL(c.Node.HTTPAddr)
	}
	if len(c.Cluster.MasterEligible) == 0 {
		c.Cluster.MasterEligible = sortedKeys(c.Cluster.Nodes)
	}
	if c.Cluster.Mode == ModeStatic {
		if c.Cluster.Term == 0 {
			c.Cluster.Term = 1
		}
		if c.Cluster.Leader == "" && len(c.Cluster.MasterEligible) > 0 {
			eligible := append([]string(nil), c.Cluster.MasterEligible...)
			sort.Strings(eligible)
			c.Cluster.Leader = eligible[0]
		}
	}
	if c.Raft.Peers == nil {
		c.Raft.Peers = map[string]string{}
	}
	if c.Publication.Timeout == 0 {
		c.Publication.Timeout = 10 * time.Second
	}
	if c.Publication.CommitTimeout == 0 {
		c.Publication.CommitTimeout = c.Publication.Timeout
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 5 * time.Second
	}
	if c.API.SubmitTimeout == 0 {
		c.API.SubmitTimeout = 30 * time.Second
	}
	if c.Storage.Kind == "" {
		c.Storage.Kind = StorageMemory
	}
	if c.Mirror.Prefix == "" {
		c.Mirror.Prefix = "clusterstate"
	}
	if c.History.MaxConns == 0 {
		c.History.MaxConns = 4
	}
}

func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

// Eligible indica si id cuenta para el quorum.
func (c *Config) Eligible(id string) bool {
	for _, e := range c.Cluster.MasterEligible {
		if e == id {
			return true
		}
	}
	return false
}

// Validate revisa los valores críticos. Se llama desde Load.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.ID) == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if _, ok := c.Cluster.Nodes[c.Node.ID]; c.Node.ID != "" && !ok {
		errs = append(errs, fmt.Errorf("node.id %q is not listed in cluster.nodes", c.Node.ID))
	}
	for _, id := range c.Cluster.MasterEligible {
		if _, ok := c.Cluster.Nodes[id]; !ok {
			errs = append(errs, fmt.Errorf("cluster.master_eligible: unknown node %q", id))
		}
	}
	if len(c.Cluster.MasterEligible) == 0 {
		errs = append(errs, errors.New("cluster needs at least one master-eligible node"))
	}

	switch c.Cluster.Mode {
	case ModeStatic:
		if c.Cluster.Leader != "" && !c.Eligible(c.Cluster.Leader) {
			errs = append(errs, fmt.Errorf("cluster.leader %q is not master-eligible", c.Cluster.Leader))
		}
	case ModeRaft:
		if strings.TrimSpace(c.Raft.Addr) == "" {
			errs = append(errs, errors.New("raft.addr is required in raft mode"))
		}
		if (c.Raft.TLSCertFile == "") != (c.Raft.TLSKeyFile == "") {
			errs = append(errs, errors.New("raft.tls_cert_file and raft.tls_key_file go together"))
		}
	default:
		errs = append(errs, fmt.Errorf("cluster.mode must be %s or %s, got %q", ModeStatic, ModeRaft, c.Cluster.Mode))
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StorageBolt:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			errs = append(errs, errors.New("storage.dir is required for bolt storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kind must be %s or %s, got %q", StorageMemory, StorageBolt, c.Storage.Kind))
	}

	if c.Publication.Timeout < 0 || c.Publication.CommitTimeout < 0 || c.Transport.Timeout < 0 || c.API.SubmitTimeout < 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvUint(key string) (uint64, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

// parse env of form "k1=v1<sep>k2=v2" into map
func parseKVList(s, sep string) map[string]string {
	out := map[string]string{}
	for _, it := range strings.Split(strings.TrimSpace(s), sep) {
		it = strings.TrimSpace(it)
		if i := strings.IndexRune(it, '='); i > 0 {
			k := strings.TrimSpace(it[:i])
			v := strings.TrimSpace(it[i+1:])
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	return out
}

func getEnvKVList(key, sep string) (map[string]string, bool) {
	if s, ok := getEnvStr(key); ok {
		return parseKVList(s, sep), true
	}
	return nil, false
}

// applyEnvOverrides pisa el YAML con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("APP_VERSION"); ok {
		c.App.Version = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	// NODE
	if v, ok := getEnvStr("NODE_ID"); ok {
		c.Node.ID = strings.TrimSpace(v)
	}
	if v, ok := getEnvStr("NODE_HTTP_ADDR"); ok {
		c.Node.HTTPAddr = strings.TrimSpace(v)
	}

	// CLUSTER
	if v, ok := getEnvStr("CLUSTER_MODE"); ok {
		c.Cluster.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	// CLUSTER_NODES="n1=http://127.0.0.1:8081;n2=http://127.0.0.1:8082"
	if m, ok := getEnvKVList("CLUSTER_NODES", ";"); ok {
		c.Cluster.Nodes = m
	}
	if v, ok := getEnvCSV("CLUSTER_MASTER_ELIGIBLE"); ok {
		c.Cluster.MasterEligible = v
	}
	if v, ok := getEnvStr("CLUSTER_LEADER"); ok {
		c.Cluster.Leader = strings.TrimSpace(v)
	}
	if v, ok := getEnvUint("CLUSTER_TERM"); ok {
		c.Cluster.Term = v
	}

	// RAFT
	if v, ok := getEnvStr("RAFT_ADDR"); ok {
		c.Raft.Addr = strings.TrimSpace(v)
	}
	if v, ok := getEnvStr("RAFT_DIR"); ok {
		c.Raft.Dir = v
	}
	// RAFT_PEERS="n1=127.0.0.1:8201;n2=127.0.0.1:8202"
	if m, ok := getEnvKVList("RAFT_PEERS", ";"); ok {
		c.Raft.Peers = m
	}
	if v, ok := getEnvBool("RAFT_BOOTSTRAP_PREFERRED"); ok {
		c.Raft.BootstrapPreferred = v
	}
	if v, ok := getEnvBool("RAFT_DISABLE_BOOTSTRAP"); ok {
		c.Raft.DisableBootstrap = v
	}
	if v, ok := getEnvStr("RAFT_TLS_CERT_FILE"); ok {
		c.Raft.TLSCertFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_KEY_FILE"); ok {
		c.Raft.TLSKeyFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_CA_FILE"); ok {
		c.Raft.TLSCAFile = v
	}
	if v, ok := getEnvStr("RAFT_TLS_SERVER_NAME"); ok {
		c.Raft.TLSServerName = v
	}

	// PUBLICATION / TRANSPORT / API
	if v, ok := getEnvDur("PUBLICATION_TIMEOUT"); ok {
		c.Publication.Timeout = v
	}
	if v, ok := getEnvDur("PUBLICATION_COMMIT_TIMEOUT"); ok {
		c.Publication.CommitTimeout = v
	}
	if v, ok := getEnvDur("TRANSPORT_TIMEOUT"); ok {
		c.Transport.Timeout = v
	}
	if v, ok := getEnvDur("API_SUBMIT_TIMEOUT"); ok {
		c.API.SubmitTimeout = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_KIND"); ok {
		c.Storage.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("STORAGE_DIR"); ok {
		c.Storage.Dir = v
	}

	// MIRROR / HISTORY
	if v, ok := getEnvStr("MIRROR_REDIS_ADDR"); ok {
		c.Mirror.RedisAddr = v
	}
	if v, ok := getEnvStr("MIRROR_REDIS_PASSWORD"); ok {
		c.Mirror.RedisPassword = v
	}
	if v, ok := getEnvInt("MIRROR_REDIS_DB"); ok {
		c.Mirror.RedisDB = v
	}
	if v, ok := getEnvStr("MIRROR_PREFIX"); ok {
		c.Mirror.Prefix = v
	}
	if v, ok := getEnvStr("HISTORY_POSTGRES_DSN"); ok {
		c.History.PostgresDSN = v
	}
	if v, ok := getEnvInt("HISTORY_MAX_CONNS"); ok {
		c.History.MaxConns = int32(v)
	}
}
