package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"guardlink/internal/migrations"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	dbPath := flag.String("db", "./guardlink.db", "Path to the database file")
	flag.Parse()

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database file not found: %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	before, err := migrations.CurrentVersion(ctx, db)
	if err != nil {
		// fresh file without the migrations table
		before = 0
	}

	after, err := migrations.Apply(ctx, db)
	if err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	if after == before {
		fmt.Printf("Schema already at version %d, nothing to do\n", after)
		return
	}
	fmt.Printf("Schema migrated from version %d to %d\n", before, after)
}
