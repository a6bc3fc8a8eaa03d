package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"ms-momo/internal/database/migrations"
	"ms-momo/internal/logger"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

func main() {
	down := flag.Bool("down", false, "roll back every migration")
	to := flag.Uint("to", 0, "migrate up or down to this version")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	runner := migrations.NewRunner(db, log)
	defer runner.Close()

	var err error
	switch {
	case *down:
		err = runner.MigrateDown()
	case *to > 0:
		err = runner.MigrateTo(*to)
	default:
		err = runner.MigrateUp()
	}
	if err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("Migration failed: %v", err))
	}
	log.Info("MIGRATION", "Done")
}
