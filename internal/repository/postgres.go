package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// openPostgres opens the audit database on PostgreSQL.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// postgresDSN builds a lib/pq keyword/value connection string. Values are
// quoted so passwords with spaces or quotes survive.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	appName := cfg.ApplicationName
	if appName == "" {
		appName = "kestrel"
	}

	parts := []string{
		"host=" + pqQuote(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + pqQuote(dbname),
		"sslmode=" + pqQuote(sslmode),
		"application_name=" + pqQuote(appName),
	}
	if cfg.PostgresUser != "" {
		parts = append(parts, "user="+pqQuote(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+pqQuote(cfg.PostgresPassword))
	}
	if cfg.ConnectTimeout > 0 {
		secs := int(cfg.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

func pqQuote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
