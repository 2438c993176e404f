package history

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/dropDatabas3/clusterstate/migrations/postgres"
)

// lock id fijo para pg_advisory_lock: varios nodos pueden compartir la base.
const migrationLockID int64 = 0x636c7374_68697374 // "clsthist"

// Migrate aplica los *_up.sql embebidos, en orden, bajo un advisory lock.
// Los scripts son idempotentes; devuelve cuántos se ejecutaron.
func Migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := pool.Acquire(lockCtx)
	if err != nil {
		return 0, fmt.Errorf("history: acquire conn: %w", err)
	}
	defer conn.Release()

	// el lock es por sesión: lock, migraciones y unlock sobre la misma conexión
	if _, err := conn.Exec(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return 0, fmt.Errorf("history: migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	files, err := upScripts(migrations.HistoryFS, migrations.HistoryDir)
	if err != nil {
		return 0, err
	}
	var applied int
	for _, f := range files {
		b, err := fs.ReadFile(migrations.HistoryFS, f)
		if err != nil {
			return applied, err
		}
		if _, err := conn.Exec(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("exec %s: %w", f, err)
		}
		applied++
	}
	return applied, nil
}

func upScripts(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(strings.ToLower(e.Name()), "_up.sql") {
			files = append(files, path.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
