package sip

import (
	"testing"
	"time"
)

func TestRegistryFire(t *testing.T) {
	r := NewRegistry()
	ch := r.Register("call-1")

	select {
	case <-ch:
		t.Fatal("channel closed before Fire")
	default:
	}

	if !r.Fire("call-1") {
		t.Fatal("Fire returned false for a registered call")
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Fire")
	}
}

func TestRegistryFireUnknown(t *testing.T) {
	r := NewRegistry()
	if r.Fire("nope") {
		t.Fatal("Fire returned true for an unknown call")
	}
}

func TestRegistryFireTwice(t *testing.T) {
	r := NewRegistry()
	r.Register("call-1")
	if !r.Fire("call-1") {
		t.Fatal("first Fire failed")
	}
	// A retransmitted BYE must not panic on the closed channel.
	r.Fire("call-1")
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("call-1")
	r.Register("call-2")
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	r.Unregister("call-1")
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if r.Fire("call-1") {
		t.Fatal("Fire returned true after Unregister")
	}
}
