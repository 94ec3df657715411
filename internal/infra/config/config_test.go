package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TELEGRAM_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConsensusFloorRSSI != -80 || cfg.ConsensusStrongRSSI != -70 || cfg.ConsensusPeerQuorum != 2 {
		t.Errorf("consensus defaults = %v/%v/%d", cfg.ConsensusFloorRSSI, cfg.ConsensusStrongRSSI, cfg.ConsensusPeerQuorum)
	}
	if cfg.SnapshotTTL != 2*time.Second {
		t.Errorf("snapshot ttl = %s", cfg.SnapshotTTL)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("http addr = %q", cfg.HTTPAddr)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without url", map[string]string{"STORAGE_BACKEND": "postgres", "DATABASE_URL": ""}, "DATABASE_URL"},
		{"unknown backend", map[string]string{"STORAGE_BACKEND": "sqlite"}, "STORAGE_BACKEND"},
		{"bot without admin", map[string]string{"TELEGRAM_TOKEN": "t", "ADMIN_TELEGRAM_ID": ""}, "ADMIN_TELEGRAM_ID"},
		{"malformed float", map[string]string{"CONSENSUS_FLOOR_RSSI": "loud"}, "CONSENSUS_FLOOR_RSSI"},
		{"malformed duration", map[string]string{"SNAPSHOT_TTL": "soon"}, "SNAPSHOT_TTL"},
		{"strong below floor", map[string]string{"CONSENSUS_FLOOR_RSSI": "-60", "CONSENSUS_STRONG_RSSI": "-70"}, "CONSENSUS_STRONG_RSSI"},
		{"zero quorum", map[string]string{"CONSENSUS_PEER_QUORUM": "0"}, "CONSENSUS_PEER_QUORUM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORAGE_BACKEND", "memory")
			t.Setenv("TELEGRAM_TOKEN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
