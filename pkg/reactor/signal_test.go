// Unit tests for Signal.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package reactor

import (
	"sync"
	"testing"
	"time"

	rerrors "reaction/pkg/errors"
)

type recordingSub struct {
	mu   sync.Mutex
	name string
	got  []int
}

func (s *recordingSub) OnSignal(_ Signal[int], data int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, data)
}

func TestSignalPriorityOrdering(t *testing.T) {
	r := startedReactor(t)
	sig := NewSignal[int](r)

	var mu sync.Mutex
	var order []string
	makeSub := func(name string) Signalable[int] {
		return &orderSub{name: name, order: &order, mu: &mu}
	}

	a := makeSub("A")
	b := makeSub("B")
	c := makeSub("C")

	if err := sig.SubscribeWithPriority(a, 5); err != nil {
		t.Fatal(err)
	}
	if err := sig.SubscribeWithPriority(b, 10); err != nil {
		t.Fatal(err)
	}
	if err := sig.SubscribeWithPriority(c, 0); err != nil {
		t.Fatal(err)
	}

	if err := sig.Signal(1); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()

	want := []string{"B", "A", "C"}
	if len(got) != len(want) {
		t.Fatalf("delivery order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery order = %v, want %v", got, want)
			break
		}
	}
}

type orderSub struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (o *orderSub) OnSignal(_ Signal[int], _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.order = append(*o.order, o.name)
}

func TestSignalFinalClearsSubscribers(t *testing.T) {
	r := startedReactor(t)
	sig := NewSignal[int](r)

	sub := &recordingSub{name: "only"}
	if err := sig.Subscribe(sub); err != nil {
		t.Fatal(err)
	}

	if err := sig.SignalFinal(1); err != nil {
		t.Fatalf("SignalFinal: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := sig.Signal(2); err != nil {
		t.Fatalf("Signal after final: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	sub.mu.Lock()
	got := append([]int(nil), sub.got...)
	sub.mu.Unlock()

	if len(got) != 1 || got[0] != 1 {
		t.Errorf("subscriber saw %v, want exactly [1] (nothing after signalFinal)", got)
	}
}

func TestSignalRestrictedForbidsSignal(t *testing.T) {
	r := startedReactor(t)
	sig := NewSignal[int](r)
	rview := sig.Restricted()
	if err := rview.Signal(1); err == nil || !rerrors.Is(err, rerrors.KindRestrictedCapability) {
		t.Errorf("expected KindRestrictedCapability, got %v", err)
	}
	if err := rview.SignalFinal(1); err == nil || !rerrors.Is(err, rerrors.KindRestrictedCapability) {
		t.Errorf("expected KindRestrictedCapability, got %v", err)
	}
	sub := &recordingSub{}
	if err := rview.Subscribe(sub); err != nil {
		t.Errorf("Subscribe should pass through on a restricted view: %v", err)
	}
}

type panicSub struct{}

func (panicSub) OnSignal(_ Signal[int], _ int) { panic("subscriber blew up") }

func TestSignalSubscriberPanicIsRecoveredNotCrashed(t *testing.T) {
	r := startedReactor(t)
	sig := NewSignal[int](r)
	if err := sig.Subscribe(panicSub{}); err != nil {
		t.Fatal(err)
	}

	sub := &recordingSub{}
	if err := sig.Subscribe(sub); err != nil {
		t.Fatal(err)
	}
	if err := sig.Signal(7); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.got) != 1 || sub.got[0] != 7 {
		t.Errorf("later subscriber should still run after an earlier one panics, got %v", sub.got)
	}
}

func TestSignalUnsubscribe(t *testing.T) {
	r := startedReactor(t)
	sig := NewSignal[int](r)
	sub := &recordingSub{}
	if err := sig.Subscribe(sub); err != nil {
		t.Fatal(err)
	}
	if err := sig.Unsubscribe(sub); err != nil {
		t.Fatal(err)
	}
	if err := sig.Signal(1); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.got) != 0 {
		t.Errorf("unsubscribed subscriber should see nothing, got %v", sub.got)
	}
}
