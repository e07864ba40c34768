package redis

import (
	"context"
	"os"
	"testing"

	"github.com/xaixapi/filelist/internal/ephemeral/storetest"
)

// TestStore runs against a live server when REDIS_TEST_ADDR is set. The
// selected database is flushed.
func TestStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{Addr: addr, DB: 15})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	storetest.Run(t, s)
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Errorf("escapeGlob = %q", got)
	}
}
