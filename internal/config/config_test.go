package config

import (
	"os"
	"testing"
	"time"
)

func clearEmberqEnv() {
	os.Clearenv()
}

func TestLoad_Defaults(t *testing.T) {
	clearEmberqEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.BrokerURL != "redis://localhost:6379" {
		t.Errorf("unexpected default broker URL: %s", cfg.BrokerURL)
	}
	if len(cfg.Queues) != 1 || cfg.Queues[0] != "default" {
		t.Errorf("expected default queue list [default], got %v", cfg.Queues)
	}
	if cfg.BalanceStrategy != BalanceRoundRobin {
		t.Errorf("expected round_robin default, got %s", cfg.BalanceStrategy)
	}
	if cfg.FetchTimeout != 2*time.Second {
		t.Errorf("expected 2s fetch timeout, got %v", cfg.FetchTimeout)
	}
	if cfg.SweeperInterval != 5*time.Second {
		t.Errorf("expected 5s sweeper interval, got %v", cfg.SweeperInterval)
	}
	if cfg.DefaultRetryCap != 25 {
		t.Errorf("expected default retry cap 25, got %d", cfg.DefaultRetryCap)
	}
}

func TestLoad_QueuesFromEnv(t *testing.T) {
	clearEmberqEnv()
	os.Setenv("EMBERQ_QUEUES", "critical, default ,low")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []string{"critical", "default", "low"}
	if len(cfg.Queues) != len(want) {
		t.Fatalf("expected %d queues, got %d (%v)", len(want), len(cfg.Queues), cfg.Queues)
	}
	for i, q := range want {
		if cfg.Queues[i] != q {
			t.Errorf("queue[%d] = %s, want %s", i, cfg.Queues[i], q)
		}
	}
}

func TestLoad_QueueConfigs(t *testing.T) {
	clearEmberqEnv()
	os.Setenv("EMBERQ_QUEUE_CONFIGS", "critical:4,low:1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.QueueConfigs["critical"].NumWorkers != 4 {
		t.Errorf("expected critical.num_workers=4, got %d", cfg.QueueConfigs["critical"].NumWorkers)
	}
	if cfg.QueueConfigs["low"].NumWorkers != 1 {
		t.Errorf("expected low.num_workers=1, got %d", cfg.QueueConfigs["low"].NumWorkers)
	}
}

func TestLoad_InvalidBalanceStrategy(t *testing.T) {
	clearEmberqEnv()
	os.Setenv("EMBERQ_BALANCE_STRATEGY", "bogus")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid balance strategy")
	}
}

func TestLoad_EmptyQueuesFallsBackToDefault(t *testing.T) {
	clearEmberqEnv()
	os.Setenv("EMBERQ_QUEUES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// empty env falls back to default, never an empty slice
	if len(cfg.Queues) == 0 {
		t.Error("expected fallback default queue list, got empty")
	}
}

func TestLoad_NumWorkersMustBePositive(t *testing.T) {
	clearEmberqEnv()
	os.Setenv("EMBERQ_NUM_WORKERS", "0")

	if _, err := Load(); err == nil {
		t.Error("expected error for zero num_workers")
	}
}

func TestLoad_NamespaceFromEnv(t *testing.T) {
	clearEmberqEnv()
	os.Setenv("EMBERQ_NAMESPACE", "yolo_app")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Namespace != "yolo_app" {
		t.Errorf("expected namespace yolo_app, got %s", cfg.Namespace)
	}
}
