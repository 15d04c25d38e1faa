package xfer

import (
	"errors"
	"testing"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	pool, err := NewBufferPool(64, 2, 0)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	defer pool.Close()

	b1, err := pool.Acquire(16)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(b1) != 16 || cap(b1) != 64 {
		t.Fatalf("unexpected buffer shape len=%d cap=%d", len(b1), cap(b1))
	}
	b1[0] = 0xff
	pool.Release(b1)

	b2, err := pool.Acquire(64)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	if b2[0] != 0 {
		t.Fatalf("recycled buffer not zeroed")
	}
	pool.Release(b2)

	big, err := pool.Acquire(1000)
	if err != nil {
		t.Fatalf("oversized Acquire failed: %v", err)
	}
	if len(big) != 1000 {
		t.Fatalf("unexpected oversized length %d", len(big))
	}
	pool.Release(big)
	if got := pool.Outstanding(); got != 0 {
		t.Fatalf("outstanding bytes not returned: %d", got)
	}
}

func TestBufferPoolLimit(t *testing.T) {
	pool, err := NewBufferPool(32, 1, 64)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	a, err := pool.Acquire(8)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	b, err := pool.Acquire(8)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if _, err := pool.Acquire(1); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory over limit, got %v", err)
	}
	pool.Release(a)
	if _, err := pool.Acquire(1); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	pool.Release(b)
}

func TestBufferPoolClose(t *testing.T) {
	pool, err := NewBufferPool(32, 1, 0)
	if err != nil {
		t.Fatalf("NewBufferPool failed: %v", err)
	}
	buf, err := pool.Acquire(32)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(buf)
	pool.Close()

	if _, err := pool.Acquire(1); err == nil {
		t.Fatalf("expected error acquiring from closed pool")
	}
	pool.Release(make([]byte, 16)) // should not panic
}

func TestNewBufferPoolRejectsZeroSize(t *testing.T) {
	if _, err := NewBufferPool(0, 1, 0); err == nil {
		t.Fatalf("expected error for zero region size")
	}
}
