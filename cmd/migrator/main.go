package main

import (
	"database/sql"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/technosupport/aquawatch/internal/config"
	"github.com/technosupport/aquawatch/internal/logging"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	source := flag.String("source", "file://db/migrations", "Migration source URL")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "aquawatch-migrator")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("ping database", zap.Error(err))
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		logger.Fatal("create migrate driver", zap.Error(err))
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		logger.Fatal("init migrate", zap.Error(err))
	}

	start := time.Now()
	run := func(name string, fn func() error) {
		logger.Info("running migrations", zap.String("direction", name))
		if err := fn(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Error("migration failed", zap.String("direction", name), zap.Error(err))
			os.Exit(1)
		}
	}
	switch {
	case *upCmd:
		run("up", m.Up)
	case *downCmd:
		run("down", m.Down)
	case *stepsCmd != 0:
		run("steps", func() error { return m.Steps(*stepsCmd) })
	default:
		version, dirty, err := m.Version()
		if err != nil {
			logger.Info("no migration version found", zap.Error(err))
		} else {
			logger.Info("current version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
	}
	logger.Info("done", zap.Duration("duration", time.Since(start)))
}
