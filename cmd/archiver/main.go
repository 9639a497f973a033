// Command archiver moves finished tickets from earlier days into the archive
// store once and exits.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"clinicqueue/internal/archive"
	"clinicqueue/internal/backend"
	"clinicqueue/internal/config"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	backends, err := backend.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open backends: %v", err)
	}

	archiver := archive.New(backends.Queue, backends.Archive, archive.Config{
		BatchSize: cfg.ArchiveBatchSize,
		Location:  cfg.Location(),
	})
	result, err := archiver.Run(ctx)
	backends.Close()
	if err != nil {
		log.Printf("archive failed: %v", err)
		os.Exit(1)
	}
	log.Printf("archive done archived=%d skipped=%d deleted=%d", result.Archived, result.Skipped, result.Deleted)
}
