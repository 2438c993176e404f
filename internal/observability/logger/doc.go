// Package logger construye loggers Zap y el estado de logging propio del proceso.
//
// # Design Decisions
//
//   - Sin singleton: Start() devuelve un *Process que main posee y cierra con Stop().
//     Los componentes reciben el *zap.Logger por constructor.
//   - Context Scoping: cada request puede llevar su logger "scoped" (ToContext / From).
//   - Markers: deduplicación de warnings repetidos (ej. el mismo publish stale
//     reenviado varias veces) con TTL, respaldado por go-cache.
//   - Environments: "dev" usa consola con colores, "prod" usa JSON.
//
// # Usage
//
//	proc := logger.Start(logger.Config{Env: "prod", Level: "info", NodeID: "n1"})
//	defer proc.Stop()
//
//	log := proc.Logger.Named("coordinator")
//	log.Info("batch published", logger.Kind("A"), logger.Version(11))
//
//	if proc.Markers.First("stale:n2") {
//	    log.Warn("stale publish rejected")
//	}
package logger
