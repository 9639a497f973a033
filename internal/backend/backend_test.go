package backend

import (
	"context"
	"testing"

	"clinicqueue/internal/config"
)

func TestOpenMemoryBackends(t *testing.T) {
	cfg := config.Config{StoreBackend: "memory", ArchiveBackend: "memory", ChangeFeed: "local"}
	b, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if b.Queue == nil || b.Archive == nil {
		t.Fatalf("expected queue and archive stores")
	}
	if b.Outbox != nil {
		t.Fatalf("memory store has no outbox")
	}
	settings, err := b.Queue.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !settings.Accepting {
		t.Fatalf("memory store should start accepting")
	}
}

func TestOpenRejectsUnsupportedCombinations(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"unknown store", config.Config{StoreBackend: "sqlite", ArchiveBackend: "memory"}},
		{"outbox without postgres", config.Config{StoreBackend: "memory", ArchiveBackend: "memory", ChangeFeed: "outbox"}},
		{"postgres without dsn", config.Config{StoreBackend: "postgres", ArchiveBackend: "postgres"}},
		{"postgres archive on memory store", config.Config{StoreBackend: "memory", ArchiveBackend: "postgres"}},
		{"unknown archive", config.Config{StoreBackend: "memory", ArchiveBackend: "s3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(context.Background(), tt.cfg); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
