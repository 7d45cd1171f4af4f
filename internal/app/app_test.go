package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alanyoungcy/tradeledger/internal/config"
	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/importer"
	"github.com/alanyoungcy/tradeledger/internal/store/memory"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.Driver = "memory"
	cfg.Redis.Enabled = false
	cfg.Import.Dir = t.TempDir()
	cfg.Mode = "reprocess"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	return &cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWire_MemoryWithoutRedis(t *testing.T) {
	cfg := memoryConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("Wire() = %v", err)
	}
	defer cleanup()

	if _, ok := deps.PositionStore.(*memory.PositionStore); !ok {
		t.Errorf("PositionStore = %T, want *memory.PositionStore", deps.PositionStore)
	}
	if _, ok := deps.Locker.(*importer.KeyedLocker); !ok {
		t.Errorf("Locker = %T, want *importer.KeyedLocker", deps.Locker)
	}
	if _, ok := deps.SignalBus.(*memory.SignalBus); !ok {
		t.Errorf("SignalBus = %T, want *memory.SignalBus", deps.SignalBus)
	}
	if deps.WindowCache != nil || deps.DashboardCache != nil || deps.CandleStore != nil || deps.RateLimiter != nil {
		t.Error("redis-backed dependencies wired with redis disabled")
	}
	if deps.Archiver != nil {
		t.Error("archiver wired without import.archive_to_s3")
	}
	if len(deps.HealthChecks) != 0 {
		t.Errorf("HealthChecks = %v, want none", deps.HealthChecks)
	}
}

func TestRun_ReprocessWritesResult(t *testing.T) {
	cfg := memoryConfig(t)
	body := "instrument,account,side,quantity,price,timestamp\n" +
		"ES,SIM101,buy,1,5000.25,2024-03-04T14:30:00Z\n" +
		"ES,SIM101,sell,1,5002.25,2024-03-04T14:45:00Z\n"
	if err := os.WriteFile(filepath.Join(cfg.Import.Dir, "fills.csv"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	a := New(cfg, quietLogger())
	var out bytes.Buffer
	a.out = &out
	a.SetReprocessSelector(domain.ReprocessSelector{Path: "fills.csv"})
	defer a.Close()

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	var res domain.ImportResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if res.FilesConsidered != 1 || res.RowsImported != 2 || len(res.Errors) != 0 {
		t.Errorf("result = %+v", res)
	}
	if want := filepath.Join(cfg.Import.Dir, "fills.csv"); res.Files[0].Path != want {
		t.Errorf("path = %q, want %q", res.Files[0].Path, want)
	}
}

func TestRun_ReprocessFailures(t *testing.T) {
	cfg := memoryConfig(t)

	a := New(cfg, quietLogger())
	a.out = io.Discard
	defer a.Close()
	if err := a.Run(context.Background()); !errors.Is(err, domain.ErrEmptySelector) {
		t.Errorf("empty selector: Run() = %v, want ErrEmptySelector", err)
	}

	b := New(cfg, quietLogger())
	b.out = io.Discard
	b.SetReprocessSelector(domain.ReprocessSelector{Path: "missing.csv"})
	defer b.Close()
	if err := b.Run(context.Background()); err == nil {
		t.Error("missing file: Run() = nil, want error")
	}
}

func TestRun_UnknownMode(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Mode = "trade"
	a := New(cfg, quietLogger())
	defer a.Close()
	if err := a.Run(context.Background()); err == nil {
		t.Error("Run() = nil, want unsupported mode error")
	}
}
