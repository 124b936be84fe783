package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"

	"jackdisk/internal/app"
	"jackdisk/internal/config"
	"jackdisk/internal/database"
)

// One-shot cleanup for cron: aborts stale sessions, removes expired objects
// and orphaned staging data, then exits.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	a, err := app.New(context.Background(), cfg, database.Silent())
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer a.Close()

	report := a.Reaper.RunOnce(context.Background())
	log.Printf("reaper completed: aborted_sessions=%d expired_objects=%d orphan_staging=%d",
		report.AbortedSessions, report.ExpiredObjects, report.OrphanStaging)
}
