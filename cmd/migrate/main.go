package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modelgate/internal/shared"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// splitStatements breaks a migration file on semicolons and drops comment
// lines.
func splitStatements(migrationSQL string) []string {
	var out []string
	for _, stmt := range strings.Split(migrationSQL, ";") {
		var cleanLines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "--") && trimmed != "" {
				cleanLines = append(cleanLines, line)
			}
		}
		stmt = strings.TrimSpace(strings.Join(cleanLines, "\n"))
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	DSN, err := shared.SafeEnv("DSN")
	if err != nil {
		fail("Error: DSN environment variable is required: %v", err)
	}

	migrationPath := filepath.Join("migrations", "mysql.sql")
	if isPostgres(DSN) {
		migrationPath = filepath.Join("migrations", "postgres.sql")
	}
	if len(os.Args) > 1 {
		migrationPath = os.Args[1]
	}

	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		fail("Error reading migration file %s: %v", migrationPath, err)
	}
	statements := splitStatements(string(migrationSQL))

	ctx, cancel := context.WithTimeout(context.Background(), shared.FlushTimeout)
	defer cancel()

	var exec func(string) error
	if isPostgres(DSN) {
		conn, err := pgx.Connect(ctx, DSN)
		if err != nil {
			fail("Error connecting to database: %v", err)
		}
		defer func() {
			_ = conn.Close(context.Background())
		}()
		exec = func(stmt string) error {
			_, err := conn.Exec(ctx, stmt)
			return err
		}
	} else {
		db, err := sql.Open("mysql", DSN)
		if err != nil {
			fail("Error connecting to database: %v", err)
		}
		defer func() {
			_ = db.Close()
		}()
		if err := db.PingContext(ctx); err != nil {
			fail("Error pinging database: %v", err)
		}
		exec = func(stmt string) error {
			_, err := db.ExecContext(ctx, stmt)
			return err
		}
	}

	for _, stmt := range statements {
		if err := exec(stmt); err != nil {
			fail("Error executing statement: %v\nStatement: %s", err, stmt)
		}
	}

	fmt.Printf("Applied %d statements from %s\n", len(statements), migrationPath)
}
