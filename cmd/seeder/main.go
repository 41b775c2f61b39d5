//cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"

	"github.com/unclebandit/eduops-messaging/internal/config"
	"github.com/unclebandit/eduops-messaging/internal/db"
	"github.com/unclebandit/eduops-messaging/internal/logger"
)

// Applies every migrations/*.sql file, then seed/*.sql, in name order. The
// scripts are idempotent so the seeder can be re-run safely.
func main() {
	skipSeed := flag.Bool("migrate-only", false, "apply migrations without seed data")
	root := flag.String("dir", ".", "directory containing migrations/ and seed/")
	flag.Parse()

	log := logger.New("info")
	cfg := config.Load(log)
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.DSN())
	if err != nil {
		log.WithError(err).Fatal("connect")
	}
	defer conn.Close()

	dirs := []string{"migrations"}
	if !*skipSeed {
		dirs = append(dirs, "seed")
	}

	files, err := sqlFiles(*root, dirs...)
	if err != nil {
		log.WithError(err).Fatal("list sql files")
	}
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			log.WithError(err).Fatalf("failed to read %s", file)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.WithError(err).Fatalf("failed to execute %s", file)
		}
		log.WithField("file", file).Info("applied")
	}

	log.WithField("files", len(files)).Info("database setup completed")
}

func sqlFiles(root string, dirs ...string) ([]string, error) {
	var out []string
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(root, dir, "*.sql"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}
