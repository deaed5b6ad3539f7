package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/cartloom/cartloom/migrations"
)

var (
	dsn     = flag.String("dsn", os.Getenv("CARTLOOM_MASTER_DSN"), "Master database DSN")
	command = flag.String("command", "up", "Goose command: up, down, status, version")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	if *dsn == "" {
		log.Fatal("missing DSN: pass -dsn or set CARTLOOM_MASTER_DSN")
	}

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.Master)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	if err := run(db, *command); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ Done")
}

func run(db *sql.DB, command string) error {
	switch command {
	case "up":
		return goose.Up(db, "master")
	case "down":
		return goose.Down(db, "master")
	case "status":
		return goose.Status(db, "master")
	case "version":
		return goose.Version(db, "master")
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
