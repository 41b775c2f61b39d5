package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper()
	ctx := context.Background()

	first, _ := d.FirstSeen(ctx, "whatsapp:wamid.1", time.Hour)
	again, _ := d.FirstSeen(ctx, "whatsapp:wamid.1", time.Hour)
	other, _ := d.FirstSeen(ctx, "whatsapp:wamid.2", time.Hour)

	if !first || again || !other {
		t.Errorf("unexpected dedupe results: first=%v again=%v other=%v", first, again, other)
	}
}

func TestMemoryDeduperEvictsExpiredKeys(t *testing.T) {
	d := NewMemoryDeduper()
	d.sweepEvery = 0
	ctx := context.Background()

	for _, k := range []string{"sms:a", "sms:b", "sms:c"} {
		_, _ = d.FirstSeen(ctx, k, time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)

	first, _ := d.FirstSeen(ctx, "sms:d", time.Hour)
	if !first {
		t.Fatal("new key reported as seen")
	}
	if n := d.Len(); n != 1 {
		t.Errorf("expected expired keys evicted, %d remembered", n)
	}
	if again, _ := d.FirstSeen(ctx, "sms:a", time.Hour); !again {
		t.Error("expired key should count as first seen again")
	}
}
