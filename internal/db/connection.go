// Package db opens the PostgreSQL connection pool from PG* environment
// variables.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/viasinal/cadmatch/internal/config"
)

// Connection holds the database connection pool.
type Connection struct {
	DB *sql.DB
}

// NewConnection opens and pings the pool.
func NewConnection() (*Connection, error) {
	host := config.GetEnv("PGHOST", "localhost")
	port := config.GetEnv("PGPORT", "5432")
	user := config.GetEnv("PGUSER", "cadmatch")
	password := config.GetEnv("PGPASSWORD", "cadmatch")
	dbname := config.GetEnv("PGDATABASE", "cadmatch")
	sslmode := config.GetEnv("PGSSLMODE", "disable")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(config.GetEnvInt("PGMAXCONNS", 20))
	db.SetMaxIdleConns(config.GetEnvInt("PGMAXIDLE", 10))

	return &Connection{DB: db}, nil
}

// Close closes the pool.
func (c *Connection) Close() error {
	return c.DB.Close()
}
