package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"

	"github.com/iliyamo/supper-club-booking/internal/database"
)

const (
	migrationUp   = "up"
	migrationDown = "down"
)

func mustMigrateUp(m *migrate.Migrate) {
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no migrations to apply")
			return
		}
		panic(err)
	}
	fmt.Println("migrations applied successfully")
}

func mustMigrateDown(m *migrate.Migrate) {
	if err := m.Down(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no migrations to revert")
			return
		}
		panic(err)
	}
	fmt.Println("migrations reverted successfully")
}

// migrator applies migrations/*.sql to the database named by the DB_*
// variables (optionally read from .env).
func main() {
	_ = godotenv.Load()

	var migrationsPath, migrationsTable, migrationType string
	flag.StringVar(&migrationType, "migration-type", migrationUp, "up or down")
	flag.StringVar(&migrationsPath, "migrations-path", "./migrations", "path to migrations")
	flag.StringVar(&migrationsTable, "migrations-table", "schema_migrations", "name of migrations table")
	flag.Parse()

	name := os.Getenv("DB_NAME")
	if name == "" {
		panic("DB_NAME is required")
	}

	m, err := migrate.New("file://"+migrationsPath, dbURL(name, migrationsTable))
	if err != nil {
		panic(err)
	}
	defer m.Close()

	if migrationType == migrationDown {
		mustMigrateDown(m)
		return
	}
	mustMigrateUp(m)
}

func dbURL(name, migrationsTable string) string {
	o := database.Options{
		User: getenv("DB_USER", "root"),
		Pass: os.Getenv("DB_PASS"),
		Host: getenv("DB_HOST", "127.0.0.1"),
		Port: getenv("DB_PORT", "3306"),
		Name: name,
	}
	return "mysql://" + o.DSN(map[string]string{
		"multiStatements":    "true",
		"x-migrations-table": migrationsTable,
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
