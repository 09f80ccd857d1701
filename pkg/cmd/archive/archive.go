package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aulasonora/aulasonora/pkg/storage"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	After  time.Duration
}

// Run archives generated songs older than the configured age.
func Run(ctx context.Context, cfg *Config) error {
	if cfg.After <= 0 {
		return fmt.Errorf("archive: invalid age %s", cfg.After)
	}
	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("archive: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("archive: couldn't start orm store: %w", err)
	}
	defer store.Stop()
	n, err := store.ArchiveSongs(ctx, time.Now().Add(-cfg.After))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	log.Printf("archive: %d songs archived\n", n)
	return nil
}
