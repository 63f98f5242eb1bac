package bitmap

import "testing"

func TestSetClearTest(t *testing.T) {
	b := New(256)

	b.SetRange(10, 5)
	for i := uint(10); i < 15; i++ {
		if !b.Test(i) {
			t.Errorf("expected slot %d to be set", i)
		}
	}

	if exp, got := uint(5), b.CountSet(); got != exp {
		t.Errorf("expected %d set slots; got %d", exp, got)
	}

	b.ClearRange(10, 5)
	if got := b.CountSet(); got != 0 {
		t.Errorf("expected 0 set slots after clear; got %d", got)
	}
}

func TestFindClearRun(t *testing.T) {
	b := New(256)
	b.SetRange(0, 4)
	b.Set(8)
	b.Set(20)

	specs := []struct {
		count, from uint
		expIndex    uint
		expOK       bool
	}{
		{1, 0, 4, true},
		{4, 0, 4, true},
		{5, 0, 9, true},
		{11, 0, 9, true},
		{12, 0, 21, true},
		{4, 10, 10, true},
		{300, 0, 0, false},
		{0, 0, 0, false},
		{1, 256, 0, false},
	}

	for specIndex, spec := range specs {
		got, ok := b.FindClearRun(spec.count, spec.from)
		if ok != spec.expOK {
			t.Errorf("[spec %d] expected ok to be %t; got %t", specIndex, spec.expOK, ok)
			continue
		}
		if ok && got != spec.expIndex {
			t.Errorf("[spec %d] expected run to start at %d; got %d", specIndex, spec.expIndex, got)
		}
	}
}

func TestFindClearRunStraddlesWordBoundary(t *testing.T) {
	// Occupy everything except a run that crosses the 64-bit word boundary
	// at slot 64.
	b := New(192)
	b.SetRange(0, 60)
	b.SetRange(70, 122)

	got, ok := b.FindClearRun(10, 0)
	if !ok {
		t.Fatal("expected to find a 10-slot run crossing the word boundary")
	}
	if exp := uint(60); got != exp {
		t.Fatalf("expected run to start at %d; got %d", exp, got)
	}
}

func TestFindClearRunTailExhausted(t *testing.T) {
	b := New(128)
	b.SetRange(120, 8)

	if _, ok := b.FindClearRun(16, 110); ok {
		t.Fatal("expected no 16-slot run to exist past slot 110")
	}
}
