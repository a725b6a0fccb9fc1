package main

import (
	"testing"
	"time"
)

func TestMemoryStringStoreSetGet(t *testing.T) {
	s := NewMemoryStringStore()
	s.Set("foo", []byte("bar"))

	val, ok := s.Get("foo")
	if !ok || string(val) != "bar" {
		t.Fatalf("Get(foo) = %q, %v; want bar, true", val, ok)
	}

	if _, ok := s.Get("missing"); ok {
		t.Fatalf("Get(missing) = ok; want absent")
	}
}

func TestMemoryStringStoreExpiry(t *testing.T) {
	s := NewMemoryStringStore()
	s.SetDeadline("k", []byte("v"), time.Now().Add(10*time.Millisecond))

	if val, ok := s.Get("k"); !ok || string(val) != "v" {
		t.Fatalf("Get(k) before expiry = %q, %v; want v, true", val, ok)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := s.Get("k"); ok {
		t.Fatalf("Get(k) after expiry = ok; want absent")
	}
	if s.Exists("k") {
		t.Fatalf("Exists(k) after expiry = true; want false")
	}
}

func TestMemoryStringStoreSetClearsExpiry(t *testing.T) {
	s := NewMemoryStringStore()
	s.SetDeadline("k", []byte("v1"), time.Now().Add(time.Millisecond))
	s.Set("k", []byte("v2"))

	time.Sleep(10 * time.Millisecond)

	val, ok := s.Get("k")
	if !ok || string(val) != "v2" {
		t.Fatalf("Get(k) = %q, %v; want v2, true (overwrite should clear expiry)", val, ok)
	}
}

func TestMemoryStringStoreIncr(t *testing.T) {
	s := NewMemoryStringStore()

	n, err := s.Incr("counter")
	if err != nil || n != 1 {
		t.Fatalf("Incr(counter) on absent key = %d, %v; want 1, nil", n, err)
	}

	n, err = s.Incr("counter")
	if err != nil || n != 2 {
		t.Fatalf("Incr(counter) = %d, %v; want 2, nil", n, err)
	}

	s.Set("notanumber", []byte("abc"))
	if _, err := s.Incr("notanumber"); err != ErrNotInteger {
		t.Fatalf("Incr(notanumber) err = %v; want ErrNotInteger", err)
	}
}

func TestMemoryStringStoreKeysStarSweepsExpired(t *testing.T) {
	s := NewMemoryStringStore()
	s.Set("live", []byte("v"))
	s.SetDeadline("dead", []byte("v"), time.Now().Add(time.Millisecond))

	time.Sleep(10 * time.Millisecond)

	keys := s.KeysStar()
	if len(keys) != 1 || keys[0] != "live" {
		t.Fatalf("KeysStar() = %v; want [live]", keys)
	}
}

func TestMemoryStringStoreType(t *testing.T) {
	s := NewMemoryStringStore()
	if got := s.Type("missing"); got != "none" {
		t.Fatalf("Type(missing) = %q; want none", got)
	}
	s.Set("k", []byte("v"))
	if got := s.Type("k"); got != "string" {
		t.Fatalf("Type(k) = %q; want string", got)
	}
}
