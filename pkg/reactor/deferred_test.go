// Unit tests for the Deferred chain.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package reactor

import (
	"testing"
	"time"

	rerrors "reaction/pkg/errors"
)

func startedReactor(t *testing.T) *Reactor {
	t.Helper()
	r := New()
	if err := r.Start(nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Stop()
		_ = r.Join()
	})
	return r
}

func TestChainedCallbacksLateTrigger(t *testing.T) {
	r := startedReactor(t)

	d := NewDeferred[int](r)
	d1, err := AddValueHandler(d, func(v int) (int, error) { return v + 1, nil })
	if err != nil {
		t.Fatalf("addHandler 0: %v", err)
	}
	d2, err := AddValueHandler(d1, func(v int) (int, error) { return v + 1, nil })
	if err != nil {
		t.Fatalf("addHandler 1: %v", err)
	}
	d3, err := AddValueHandler(d2, func(v int) (int, error) { return v + 1, nil })
	if err != nil {
		t.Fatalf("addHandler 2: %v", err)
	}

	seen := make(chan int, 1)
	_, err = AddHandler(d3, Handler[int, int]{
		OnValue: func(v int) (int, error) { seen <- v; return v, nil },
		OnError: func(e error) (int, error) { t.Errorf("unexpected error: %v", e); return 0, e },
	}, true)
	if err != nil {
		t.Fatalf("terminal handler: %v", err)
	}

	if err := d.Callback(0); err != nil {
		t.Fatalf("callback: %v", err)
	}

	select {
	case v := <-seen:
		if v != 4 {
			t.Errorf("terminal handler saw %d, want 4", v)
		}
	case <-time.After(time.Second):
		t.Fatal("terminal handler never ran")
	}
}

func TestChainedErrbacksInterimTrigger(t *testing.T) {
	r := startedReactor(t)

	d := NewDeferred[string](r)
	d0, err := AddHandler(d, Handler[string, string]{
		OnValue: func(v string) (string, error) { return v, nil },
		OnError: func(e error) (string, error) { return "", e },
	}, false)
	if err != nil {
		t.Fatalf("h0: %v", err)
	}
	d1, err := AddErrorHandler(d0, func(e error) (string, error) { return "", e })
	if err != nil {
		t.Fatalf("h1: %v", err)
	}

	boom := rerrors.New(rerrors.KindContextViolation, "boom")
	if err := d.Errback(boom); err != nil {
		t.Fatalf("errback: %v", err)
	}

	d2, err := AddErrorHandler(d1, func(e error) (string, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("h2: %v", err)
	}

	seen := make(chan string, 1)
	_, err = AddHandler(d2, Handler[string, string]{
		OnValue: func(v string) (string, error) { seen <- v; return v, nil },
		OnError: func(e error) (string, error) { t.Errorf("unexpected error: %v", e); return "", e },
	}, true)
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}

	select {
	case v := <-seen:
		if v != "ok" {
			t.Errorf("terminal handler saw %q, want %q", v, "ok")
		}
	case <-time.After(time.Second):
		t.Fatal("terminal handler never ran")
	}
}

func TestDeferredTimeoutAbsorbsLateTrigger(t *testing.T) {
	r := startedReactor(t)

	d := NewDeferred[int](r)
	if err := d.SetTimeout(100); err != nil {
		t.Fatalf("setTimeout: %v", err)
	}

	sawErr := make(chan error, 1)
	_, err := AddHandler(d, Handler[int, int]{
		OnValue: func(v int) (int, error) { sawErr <- nil; return v, nil },
		OnError: func(e error) (int, error) { sawErr <- e; return 0, e },
	}, true)
	if err != nil {
		t.Fatalf("addHandler: %v", err)
	}

	select {
	case e := <-sawErr:
		if !rerrors.Is(e, rerrors.KindTimedOut) {
			t.Fatalf("expected KindTimedOut, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	time.Sleep(50 * time.Millisecond)
	if err := d.Callback(42); err != nil {
		t.Errorf("late callback after timeout must be silently absorbed, got %v", err)
	}
	if err := d.Callback(43); err == nil || !rerrors.Is(err, rerrors.KindDoubleTrigger) {
		t.Errorf("second late callback must raise double-trigger, got %v", err)
	}
}

func TestDoubleTriggerRaises(t *testing.T) {
	r := startedReactor(t)
	d := NewDeferred[int](r)
	if err := d.Callback(1); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := d.Callback(2); err == nil || !rerrors.Is(err, rerrors.KindDoubleTrigger) {
		t.Errorf("expected KindDoubleTrigger, got %v", err)
	}
}

func TestTerminatedChainRejectsFurtherAppends(t *testing.T) {
	r := startedReactor(t)
	d := NewDeferred[int](r)
	if err := d.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := d.Terminate(); err == nil || !rerrors.Is(err, rerrors.KindDoubleTerminate) {
		t.Errorf("expected KindDoubleTerminate on second terminate, got %v", err)
	}
	if _, err := AddValueHandler(d, func(v int) (int, error) { return v, nil }); err == nil || !rerrors.Is(err, rerrors.KindDoubleTerminate) {
		t.Errorf("expected KindDoubleTerminate on addHandler after terminate, got %v", err)
	}
}

func TestRestrictedForbidsCallbackErrback(t *testing.T) {
	r := startedReactor(t)
	d := NewDeferred[int](r)
	rview := d.Restricted()
	if err := rview.Callback(1); err == nil || !rerrors.Is(err, rerrors.KindRestrictedCapability) {
		t.Errorf("expected KindRestrictedCapability, got %v", err)
	}
	if err := rview.Errback(rerrors.New(rerrors.KindContextViolation, "x")); err == nil || !rerrors.Is(err, rerrors.KindRestrictedCapability) {
		t.Errorf("expected KindRestrictedCapability, got %v", err)
	}
	// unrestricted producer-side still works through the original handle.
	if err := d.Callback(7); err != nil {
		t.Errorf("unrestricted callback: %v", err)
	}
}

func TestRestrictedIsIdempotent(t *testing.T) {
	r := startedReactor(t)
	d := NewDeferred[int](r)
	r1 := d.Restricted()
	r2 := r1.Restricted()
	if r1.core != r2.core || r1.restricted != r2.restricted {
		t.Errorf("restricted(restricted(x)) should equal restricted(x)")
	}
}

func TestSetTimeoutReplacesEarlier(t *testing.T) {
	r := startedReactor(t)
	d := NewDeferred[int](r)
	if err := d.SetTimeout(5000); err != nil {
		t.Fatalf("setTimeout 1: %v", err)
	}
	if err := d.SetTimeout(50); err != nil {
		t.Fatalf("setTimeout 2: %v", err)
	}

	sawErr := make(chan error, 1)
	_, _ = AddHandler(d, Handler[int, int]{
		OnValue: func(v int) (int, error) { sawErr <- nil; return v, nil },
		OnError: func(e error) (int, error) { sawErr <- e; return 0, e },
	}, true)

	select {
	case e := <-sawErr:
		if e == nil {
			t.Fatal("expected timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("second (shorter) timeout never fired; first (longer) one must have been replaced")
	}
}

func TestCancelTimeoutOnUntimedDeferredIsNoop(t *testing.T) {
	r := startedReactor(t)
	d := NewDeferred[int](r)
	d.CancelTimeout() // must not panic
	if err := d.Callback(1); err != nil {
		t.Errorf("callback after no-op cancelTimeout: %v", err)
	}
}

func TestDeferOnReactorThreadFailsFast(t *testing.T) {
	r := startedReactor(t)
	done := make(chan struct{})
	d := NewDeferred[int](r)

	// Exercise Defer() from inside a chain handler, which runs on the
	// reactor's own loop goroutine.
	chained, err := AddValueHandler(d, func(v int) (int, error) {
		inner := NewDeferred[int](r)
		_, derr := inner.Defer()
		if derr == nil || !rerrors.Is(derr, rerrors.KindReactorContext) {
			t.Errorf("expected KindReactorContext from Defer() on the reactor thread, got %v", derr)
		}
		close(done)
		return v, nil
	})
	if err != nil {
		t.Fatalf("addHandler: %v", err)
	}
	if err := chained.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := d.Callback(1); err != nil {
		t.Fatalf("callback: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDeferBlocksUntilResult(t *testing.T) {
	r := startedReactor(t)
	d := CallDeferred[int](r, 99)
	v, err := d.Defer()
	if err != nil {
		t.Fatalf("Defer: %v", err)
	}
	if v != 99 {
		t.Errorf("Defer() = %d, want 99", v)
	}
}

func TestPanickingHandlerIsRecoveredNotCrashed(t *testing.T) {
	r := startedReactor(t)

	d := NewDeferred[int](r)
	d1, err := AddValueHandler(d, func(v int) (int, error) { panic("handler blew up") })
	if err != nil {
		t.Fatalf("addHandler 0: %v", err)
	}

	sawErr := make(chan error, 1)
	_, err = AddHandler(d1, Handler[int, int]{
		OnValue: func(v int) (int, error) { t.Errorf("expected an error, got value %v", v); return v, nil },
		OnError: func(e error) (int, error) { sawErr <- e; return 0, e },
	}, true)
	if err != nil {
		t.Fatalf("addHandler 1: %v", err)
	}

	if err := d.Callback(1); err != nil {
		t.Fatalf("callback: %v", err)
	}

	select {
	case e := <-sawErr:
		if !rerrors.Is(e, rerrors.KindContextViolation) {
			t.Errorf("expected KindContextViolation from the recovered panic, got %v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("panicking handler never surfaced an error to the next leg")
	}
}
