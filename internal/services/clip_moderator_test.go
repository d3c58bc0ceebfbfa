package services

import (
	"testing"
	"time"
)

func TestVerdictKeyStableAndDistinct(t *testing.T) {
	frames := [][]byte{[]byte("frame-a"), []byte("frame-b")}

	k1 := verdictKey("pexels-1", frames)
	k2 := verdictKey("pexels-1", [][]byte{[]byte("frame-a"), []byte("frame-b")})
	if k1 != k2 {
		t.Fatalf("same input should produce the same key")
	}

	if verdictKey("pexels-2", frames) == k1 {
		t.Fatalf("different clip ids must not collide")
	}
	if verdictKey("pexels-1", [][]byte{[]byte("frame-b"), []byte("frame-a")}) == k1 {
		t.Fatalf("frame order is part of the key")
	}
}

func TestModeratorVerdictCacheTTL(t *testing.T) {
	s := &clipModeratorService{
		log:      testLogger(t),
		cacheTTL: 50 * time.Millisecond,
		cache:    map[string]cachedVerdict{},
	}

	key := verdictKey("pexels-9", [][]byte{[]byte("x")})
	if _, ok := s.cached(key); ok {
		t.Fatalf("empty cache should miss")
	}

	want := Verdict{Allowed: false, Reason: "face detected"}
	s.store(key, want)
	got, ok := s.cached(key)
	if !ok || got != want {
		t.Fatalf("cache hit: ok=%v got=%+v", ok, got)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := s.cached(key); ok {
		t.Fatalf("expired entry should miss")
	}
}
