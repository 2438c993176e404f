// Package metrics define los collectors Prometheus del motor de coordinación.
// Vive en un paquete aparte para evitar ciclos entre coordinator, publication,
// applier y http.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics agrupa los collectors de un nodo. Todos los métodos aceptan receiver nil
// para que los componentes funcionen sin métricas (tests).
type Metrics struct {
	Batches             *prometheus.CounterVec
	BatchSize           prometheus.Histogram
	PublicationDuration prometheus.Histogram
	Publications        *prometheus.CounterVec
	FollowerRejects     *prometheus.CounterVec
	LeadershipChanges   prometheus.Counter
	AppliedVersion      prometheus.Gauge
	AppliedTerm         prometheus.Gauge
	QueueDepth          prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterstate_batches_total",
			Help: "Batches procesados por el coordinator, por kind y resultado",
		}, []string{"kind", "result"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clusterstate_batch_size",
			Help:    "Cantidad de tasks por batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		PublicationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clusterstate_publication_duration_ms",
			Help:    "Duración de publish+commit en milisegundos",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		Publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterstate_publications_total",
			Help: "Publicaciones terminadas, por resultado",
		}, []string{"result"}),
		FollowerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clusterstate_follower_rejects_total",
			Help: "Mensajes publish/commit rechazados por el applier local",
		}, []string{"message", "reason"}),
		LeadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clusterstate_leadership_changes_total",
			Help: "Cambios de term o de líder observados",
		}),
		AppliedVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clusterstate_applied_version",
			Help: "Version del último snapshot autoritativo local",
		}),
		AppliedTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clusterstate_applied_term",
			Help: "Term del último snapshot autoritativo local",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clusterstate_queue_depth",
			Help: "Tasks pendientes en la cola al drenar un batch",
		}),
	}
}

// Register registra los collectors en reg (o el default si es nil).
// Un collector ya registrado no es error.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Batches, m.BatchSize, m.PublicationDuration, m.Publications,
		m.FollowerRejects, m.LeadershipChanges, m.AppliedVersion, m.AppliedTerm, m.QueueDepth,
	}
}

func (m *Metrics) ObserveBatch(kind, result string, size int) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(kind, result).Inc()
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) ObservePublication(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Publications.WithLabelValues(result).Inc()
	m.PublicationDuration.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) FollowerReject(message, reason string) {
	if m == nil {
		return
	}
	m.FollowerRejects.WithLabelValues(message, reason).Inc()
}

func (m *Metrics) LeadershipChanged() {
	if m == nil {
		return
	}
	m.LeadershipChanges.Inc()
}

func (m *Metrics) Applied(term, version uint64) {
	if m == nil {
		return
	}
	m.AppliedTerm.Set(float64(term))
	m.AppliedVersion.Set(float64(version))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
