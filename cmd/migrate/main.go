package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ignite/adperf-engine/internal/accounts"
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/store"
)

func main() {
	listOnly := flag.Bool("list", false, "List period tables with row counts and exit")
	seed := flag.Bool("seed-accounts", false, "Upsert the accounts from config into ad_accounts")
	flag.Parse()

	cfg, err := config.LoadFromEnv(config.DefaultPath())
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatal("nothing to migrate: database.driver is memory")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, store.PoolConfig{})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	db := st.DB()
	defer db.Close()
	log.Printf("Connected to database (%s)", st.Dialect().Name)

	if *listOnly {
		for _, t := range store.Tables {
			n, err := st.Count(ctx, t, store.Predicate{})
			if err != nil {
				fmt.Printf("  %-22s ERROR: %v\n", t, err)
				continue
			}
			fmt.Printf("  %-22s %d rows\n", t, n)
		}
		return
	}

	if err := store.EnsureSchema(ctx, db, st.Dialect()); err != nil {
		log.Fatalf("ensure period schema: %v", err)
	}
	repo := accounts.NewSQLRepo(db, st.Dialect())
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure account schema: %v", err)
	}
	log.Println("Period and account tables present")

	if *seed {
		accts, _ := accounts.FromConfig(cfg).List(ctx)
		for _, a := range accts {
			if err := repo.Save(ctx, a); err != nil {
				log.Fatalf("seed %s: %v", a.ID, err)
			}
		}
		log.Printf("Seeded %d accounts", len(accts))
	}

	// Extra SQL files (indexes, grants) are applied in name order.
	dir := flag.Arg(0)
	if dir == "" {
		log.Println("Migrations complete")
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var okCount, errCount int
	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			fmt.Printf("BEGIN ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.ExecContext(ctx, content); err != nil {
			tx.Rollback()
			fmt.Printf("ERROR: %v\n", err)
			errCount++
			continue
		}
		if err := tx.Commit(); err != nil {
			fmt.Printf("COMMIT ERROR: %v\n", err)
			errCount++
			continue
		}
		fmt.Println("OK")
		okCount++
	}
	log.Printf("Done: %d OK, %d errors", okCount, errCount)
	if errCount > 0 {
		os.Exit(1)
	}
	log.Println("Migrations complete")
}
