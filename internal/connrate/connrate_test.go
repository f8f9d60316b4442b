package connrate

import (
	"testing"
	"time"
)

type limiterResult struct {
	allowed bool
	text    string
	wait    time.Duration
}

func TestLimiterAllow(t *testing.T) {
	var results []limiterResult

	nano := func(n int64) time.Duration { return time.Nanosecond * time.Duration(n) }

	add := func(r limiterResult) { results = append(results, r) }

	for i := 0; i < attemptsBurstable; i++ {
		add(limiterResult{allowed: true, text: "initial burst"})
	}
	add(limiterResult{allowed: false, text: "after burst"})
	add(limiterResult{
		allowed: true,
		wait:    nano(time.Second.Nanoseconds() / attemptsPerSecond),
		text:    "filling tokens for a single attempt",
	})
	add(limiterResult{allowed: false, text: "not having refilled enough"})
	add(limiterResult{
		allowed: true,
		wait:    2 * nano(time.Second.Nanoseconds()/attemptsPerSecond),
		text:    "filling tokens for a two-attempt burst",
	})
	add(limiterResult{allowed: true, text: "second attempt in the two-attempt burst"})
	add(limiterResult{allowed: false, text: "attempt following the two-attempt burst"})

	addrs := []string{
		"127.0.0.1:51820",
		"192.168.1.1:4242",
		"[2001:db8:a0b:12f0::1]:9000",
		"[f5c2:818f:c052:655a:9860:b136:6894:25f0]:9000",
	}

	l := New()
	defer l.Close()

	for i, res := range results {
		time.Sleep(res.wait)
		for _, addr := range addrs {
			allowed := l.Allow(addr)
			if allowed != res.allowed {
				t.Fatalf("case %d (%s): addr %s: expected %v, got %v", i, res.text, addr, res.allowed, allowed)
			}
		}
	}
}

func TestLimiterAllowKeysByHostNotPort(t *testing.T) {
	l := New()
	defer l.Close()

	for i := 0; i < attemptsBurstable; i++ {
		if !l.Allow("10.0.0.5:1111") {
			t.Fatalf("attempt %d from port 1111 unexpectedly rejected", i)
		}
	}
	if l.Allow("10.0.0.5:2222") {
		t.Fatal("same host on a different port should still be rate-limited")
	}
}

func TestLimiterAllowWithoutPort(t *testing.T) {
	l := New()
	defer l.Close()

	if !l.Allow("10.0.0.9") {
		t.Fatal("first attempt from a bare host (no port) should be allowed")
	}
}

func TestLimiterSweepRemovesStaleEntries(t *testing.T) {
	l := New()
	defer l.Close()

	l.Allow("10.0.0.7:1")

	l.mu.RLock()
	_, ok := l.table["10.0.0.7"]
	l.mu.RUnlock()
	if !ok {
		t.Fatal("expected entry to exist after Allow")
	}

	l.mu.Lock()
	l.table["10.0.0.7"].lastTime = time.Now().Add(-2 * garbageCollectTime)
	l.mu.Unlock()

	l.sweep()

	l.mu.RLock()
	_, ok = l.table["10.0.0.7"]
	l.mu.RUnlock()
	if ok {
		t.Fatal("expected stale entry to be swept")
	}
}
