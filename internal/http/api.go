// Package http expone la API pública del nodo (tasks, lectura de estado, vista del
// cluster, health y métricas) y monta los endpoints internos de publish/commit.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/clusterstate/internal/applier"
	"github.com/dropDatabas3/clusterstate/internal/coordinator"
	"github.com/dropDatabas3/clusterstate/internal/history"
	"github.com/dropDatabas3/clusterstate/internal/membership"
	"github.com/dropDatabas3/clusterstate/internal/observability/logger"
	"github.com/dropDatabas3/clusterstate/internal/publication"
	"github.com/dropDatabas3/clusterstate/internal/state"
	"github.com/dropDatabas3/clusterstate/internal/taskqueue"
	"github.com/dropDatabas3/clusterstate/internal/transport"
)

const DefaultSubmitTimeout = 30 * time.Second

// Node es lo que la API necesita de un nodo (ver node.Node).
type Node interface {
	ID() string
	Submit(kind taskqueue.Kind, payload json.RawMessage, listener taskqueue.Listener) *taskqueue.Handle
	State() state.Snapshot
	Applier() *applier.Applier
	Membership() membership.Membership
	Phase() coordinator.Phase
	QueueLen() int
	LastPublication() *publication.Publication
}

// HistoryReader lee el historial de promociones (ver history.Postgres).
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

type Options struct {
	Node Node
	// LeaderURLs mapea nodeID -> base URL pública, para los redirects al líder.
	LeaderURLs map[string]string
	// SubmitTimeout acota la espera sincrónica de POST /v1/tasks. Default DefaultSubmitTimeout.
	SubmitTimeout time.Duration
	// Gatherer sirve /metrics. nil = sin endpoint de métricas.
	Gatherer prometheus.Gatherer
	// History sirve GET /v1/state/history. nil = 404.
	History HistoryReader
	Logger  *zap.Logger
}

type API struct {
	node          Node
	leaderURLs    map[string]string
	submitTimeout time.Duration
	gatherer      prometheus.Gatherer
	history       HistoryReader
	log           *zap.Logger
}

func NewAPI(opts Options) *API {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	return &API{
		node:          opts.Node,
		leaderURLs:    opts.LeaderURLs,
		submitTimeout: opts.SubmitTimeout,
		gatherer:      opts.Gatherer,
		history:       opts.History,
		log:           logger.OrNop(opts.Logger).Named("http"),
	}
}

// Handler arma el router completo con sus middlewares.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.health)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	transport.Mount(r, a.node.Applier())

	r.Route("/v1", func(r chi.Router) {
		r.With(RequireLeader(a.node.ID(), a.node.Membership(), a.leaderURLs)).
			Post("/tasks/{kind}", a.submitTask)

		r.Get("/state", a.getState)
		r.Get("/state/errors", a.getErrors)
		r.Get("/state/history", a.getHistory)
		r.Get("/state/keys/*", a.getKey)
		r.Get("/cluster", a.getCluster)
		r.Get("/cluster/publication", a.getPublication)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { WriteError(w, ErrNotFound) })

	return Chain(r, WithRequestID(), WithLogging(a.log), WithRecover(a.log))
}

type healthResponse struct {
	Status  string `json:"status"`
	Node    string `json:"node"`
	Leader  string `json:"leader,omitempty"`
	Term    uint64 `json:"term"`
	Version uint64 `json:"version"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	s := a.node.State()
	l := a.node.Membership().Leadership()
	status := "ok"
	if l.LeaderID == "" {
		status = "no_leader"
	}
	WriteJSON(w, http.StatusOK, healthResponse{
		Status:  status,
		Node:    a.node.ID(),
		Leader:  l.LeaderID,
		Term:    s.Term,
		Version: s.Version,
	})
}

type taskResponse struct {
	TaskID string `json:"taskId"`
	Kind   string `json:"kind"`
	Value  any    `json:"value,omitempty"`
}

// submitTask encola el body como payload de una task del kind de la ruta.
// Con ?async=1 responde 202 sin esperar el outcome.
func (a *API) submitTask(w http.ResponseWriter, r *http.Request) {
	kind := taskqueue.Kind(chi.URLParam(r, "kind"))
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	h := a.node.Submit(kind, payload, nil)
	if r.URL.Query().Get("async") == "1" {
		WriteJSON(w, http.StatusAccepted, taskResponse{TaskID: h.ID.String(), Kind: string(kind)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.submitTimeout)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		// la task sigue en curso; el cliente puede consultar el estado después
		WriteError(w, ErrWaitTimeout.WithCause(err).WithDetail("task "+h.ID.String()+" still pending"))
		return
	}
	if res.Err != nil {
		logger.From(r.Context(), a.log).Debug("task failed", logger.Kind(string(kind)), logger.Err(res.Err))
		WriteError(w, res.Err)
		return
	}
	WriteJSON(w, http.StatusOK, taskResponse{TaskID: h.ID.String(), Kind: string(kind), Value: res.Value})
}

type stateResponse struct {
	Term    uint64                     `json:"term"`
	Version uint64                     `json:"version"`
	Content map[string]json.RawMessage `json:"content"`
}

func (a *API) getState(w http.ResponseWriter, r *http.Request) {
	s := a.node.State()
	content := s.Content.Map()
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		for k := range content {
			if !strings.HasPrefix(k, prefix) {
				delete(content, k)
			}
		}
	}
	WriteJSON(w, http.StatusOK, stateResponse{Term: s.Term, Version: s.Version, Content: content})
}

func (a *API) getKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	s := a.node.State()
	v, ok := s.Content.Get(key)
	if !ok {
		WriteError(w, ErrNotFound.WithDetail("key "+key))
		return
	}
	w.Header().Set("X-State-Version", s.ID().String())
	WriteJSON(w, http.StatusOK, v)
}

type errorsResponse struct {
	Term    uint64              `json:"term"`
	Version uint64              `json:"version"`
	Records []state.ErrorRecord `json:"records"`
	Latest  *state.ErrorRecord  `json:"latest,omitempty"`
}

func (a *API) getErrors(w http.ResponseWriter, _ *http.Request) {
	s := a.node.State()
	records := s.Content.ErrorRecords()
	resp := errorsResponse{Term: s.Term, Version: s.Version, Records: records}
	if resp.Records == nil {
		resp.Records = []state.ErrorRecord{}
	}
	if latest, ok := state.LatestErrorRecord(records); ok {
		resp.Latest = &latest
	}
	WriteJSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	Node    string          `json:"node"`
	Entries []history.Entry `json:"entries"`
}

// getHistory lista las últimas promociones de este nodo (?limit=, default 20, máx 500).
func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		WriteError(w, ErrNotFound.WithDetail("history is not enabled"))
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteError(w, ErrInvalidQuery.WithDetail("limit must be a positive integer"))
			return
		}
		limit = min(n, 500)
	}
	entries, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		logger.From(r.Context(), a.log).Warn("history read failed", logger.Err(err))
		WriteError(w, ErrUnavailable.WithCause(err).WithDetail("history store unavailable"))
		return
	}
	WriteJSON(w, http.StatusOK, historyResponse{Node: a.node.ID(), Entries: entries})
}

type clusterResponse struct {
	Node       string                `json:"node"`
	Leadership membership.Leadership `json:"leadership"`
	IsLeader   bool                  `json:"isLeader"`
	Phase      string                `json:"phase"`
	QueueDepth int                   `json:"queueDepth"`
	Nodes      []membership.Node     `json:"nodes"`
	Quorum     int                   `json:"quorum"`
	Applied    state.ID              `json:"applied"`
	Staged     *state.ID             `json:"staged,omitempty"`
	KnownTerm  uint64                `json:"knownTerm"`
}

func (a *API) getCluster(w http.ResponseWriter, _ *http.Request) {
	m := a.node.Membership()
	l := m.Leadership()
	ap := a.node.Applier()
	resp := clusterResponse{
		Node:       a.node.ID(),
		Leadership: l,
		IsLeader:   l.LeaderID == a.node.ID() && m.IsLeader(a.node.ID(), l.Term),
		Phase:      a.node.Phase().String(),
		QueueDepth: a.node.QueueLen(),
		Nodes:      m.Nodes(),
		Quorum:     publication.Quorum(len(m.MasterEligible())),
		Applied:    ap.LastAuthoritative().ID(),
		KnownTerm:  ap.KnownTerm(),
	}
	if s, ok := ap.Staged(); ok {
		id := s.ID()
		resp.Staged = &id
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (a *API) getPublication(w http.ResponseWriter, _ *http.Request) {
	p := a.node.LastPublication()
	if p == nil {
		WriteError(w, ErrNotFound.WithDetail("no publication yet"))
		return
	}
	WriteJSON(w, http.StatusOK, p.Summary())
}
