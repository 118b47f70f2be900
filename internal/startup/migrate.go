package startup

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conversa/internal/logger"
)

// RunMigrations применяет все .sql файлы из встроенной ФС в лексическом
// порядке (001_, 002_, ...). Миграции идемпотентны (IF NOT EXISTS).
func RunMigrations(pool *pgxpool.Pool, files fs.FS) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("startup.RunMigrations glob: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("startup.RunMigrations read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("startup.RunMigrations exec %s: %w", name, err)
		}
		logger.Infof("migration applied: %s", name)
	}
	return nil
}
