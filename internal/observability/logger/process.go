package logger

import (
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// DefaultMarkerTTL es la ventana de deduplicación de Markers.
const DefaultMarkerTTL = time.Minute

// Process agrupa el estado de logging cuyo ciclo de vida es el del proceso.
type Process struct {
	Logger  *zap.Logger
	Markers *Markers
}

// Start construye el logger y los markers del proceso.
func Start(cfg Config) *Process {
	l := New(cfg)
	return &Process{Logger: l, Markers: NewMarkers(DefaultMarkerTTL)}
}

// Stop libera los markers y flushea el logger.
func (p *Process) Stop() error {
	p.Markers.Close()
	// Sync sobre stderr falla en algunas plataformas; no es accionable.
	_ = p.Logger.Sync()
	return nil
}

// Markers recuerda claves vistas durante un TTL.
// Un *Markers nil nunca deduplica. Sin janitor: las claves vencidas se reemplazan
// en el próximo First (el conjunto de claves es acotado).
type Markers struct {
	seen *cache.Cache
	ttl  time.Duration
}

func NewMarkers(ttl time.Duration) *Markers {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &Markers{seen: cache.New(ttl, 0), ttl: ttl}
}

// First devuelve true sólo la primera vez que ve key dentro del TTL.
func (m *Markers) First(key string) bool {
	if m == nil {
		return true
	}
	return m.seen.Add(key, struct{}{}, m.ttl) == nil
}

// WarnOnce loguea en warn sólo la primera ocurrencia de key dentro del TTL.
func (m *Markers) WarnOnce(l *zap.Logger, key, msg string, fields ...zap.Field) {
	if m.First(key) {
		OrNop(l).Warn(msg, fields...)
	}
}

// Close olvida todas las claves. No queda ninguna goroutine corriendo.
func (m *Markers) Close() {
	if m == nil {
		return
	}
	m.seen.Flush()
}
