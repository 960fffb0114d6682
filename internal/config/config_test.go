package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	if cfg.EnumScanIntervalMS != 500 {
		t.Errorf("EnumScanIntervalMS = %d, want 500", cfg.EnumScanIntervalMS)
	}
	if cfg.DisconnectGraceMS != 10000 {
		t.Errorf("DisconnectGraceMS = %d, want 10000", cfg.DisconnectGraceMS)
	}
	if cfg.IdleTransportTimeoutMS != 120000 {
		t.Errorf("IdleTransportTimeoutMS = %d, want 120000", cfg.IdleTransportTimeoutMS)
	}
	if cfg.WorkerInboxCapacity != 32 {
		t.Errorf("WorkerInboxCapacity = %d, want 32", cfg.WorkerInboxCapacity)
	}
	if len(cfg.TransportRetryScheduleMS) != 3 {
		t.Fatalf("TransportRetryScheduleMS = %v", cfg.TransportRetryScheduleMS)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if cfg.EnumScanIntervalMS != want.EnumScanIntervalMS || cfg.ListenAddr != want.ListenAddr {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, want)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keepkeyd.toml")
	const body = `
enum_scan_interval_ms = 1000
listen_addr = "0.0.0.0:9999"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnumScanIntervalMS != 1000 {
		t.Errorf("EnumScanIntervalMS = %d, want 1000", cfg.EnumScanIntervalMS)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:9999", cfg.ListenAddr)
	}
	// Untouched fields keep their default.
	if cfg.WorkerInboxCapacity != 32 {
		t.Errorf("WorkerInboxCapacity = %d, want 32 (untouched default)", cfg.WorkerInboxCapacity)
	}
}

func TestRetrySchedule(t *testing.T) {
	cfg := Default()
	sched := cfg.RetrySchedule()
	if len(sched) != 3 {
		t.Fatalf("len(sched) = %d, want 3", len(sched))
	}
}
