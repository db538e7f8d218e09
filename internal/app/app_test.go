package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwbsync/internal/config"
	"github.com/banshee-data/uwbsync/internal/db"
	"github.com/banshee-data/uwbsync/internal/monitoring"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func TestSchedulerConfig_Defaults(t *testing.T) {
	sc := SchedulerConfig(config.Empty())
	assert.Equal(t, 300*time.Millisecond, sc.ScanTime)
	assert.Equal(t, 30*time.Second, sc.ScanPeriod)
	assert.Equal(t, 2*time.Second, sc.ScanInterval)
	assert.Equal(t, 200*time.Millisecond, sc.SlowScanLead)
	assert.Equal(t, 100*time.Millisecond, sc.FastScanLead)
	assert.Equal(t, 1200*time.Millisecond, sc.MaxChannelLead)
}

func TestNew_MemoryStore(t *testing.T) {
	cfg := config.Empty()
	cfg.DBDriver = strp("memory")

	a, err := New(context.Background(), cfg, monitoring.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &db.MemoryStore{}, a.Store)
	assert.Nil(t, a.Health)
	assert.True(t, a.Coordinator.Operational())
}

func TestNew_SQLiteStore(t *testing.T) {
	cfg := config.Empty()
	cfg.DBPath = strp(filepath.Join(t.TempDir(), "uwbsync.db"))
	cfg.GRPCListen = strp("127.0.0.1:0")

	a, err := New(context.Background(), cfg, monitoring.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &db.DB{}, a.Store)
	assert.NotNil(t, a.Health)
}

func TestNew_PostgresUnreachable(t *testing.T) {
	cfg := config.Empty()
	cfg.DBDriver = strp("postgres")
	cfg.DBDSN = strp("postgres://127.0.0.1:1/uwbsync?sslmode=disable&connect_timeout=1")

	_, err := New(context.Background(), cfg, monitoring.Discard(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := config.Empty()
	cfg.DBDriver = strp("memory")
	cfg.Listen = strp("127.0.0.1:0")
	cfg.GRPCListen = strp("127.0.0.1:0")
	cfg.Advertise = boolp(false)
	cfg.ShutdownGrace = strp("2s")

	a, err := New(context.Background(), cfg, monitoring.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_AdvertiseNeedsPort(t *testing.T) {
	cfg := config.Empty()
	cfg.DBDriver = strp("memory")
	cfg.Listen = strp("127.0.0.1:0")
	cfg.Advertise = boolp(true)

	a, err := New(context.Background(), cfg, monitoring.Discard(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.Run(context.Background()))
}
