package utils

import (
	"context"
	"testing"
	"time"
)

func TestLockScriptsCompile(t *testing.T) {
	if lockAcquireScript == nil || lockReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestAcquireLock_RejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	if _, _, err := AcquireLock(ctx, nil, "k", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := ReleaseLock(ctx, nil, "k", "tok"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisConfig_Defaults(t *testing.T) {
	c := RedisConfig{Addr: "x:6379"}.withDefaults()
	if c.PoolSize != 20 || c.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}
