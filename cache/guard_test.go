package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/plover/storage/kv"
)

func TestGuardRegisterIfAbsent(t *testing.T) {
	guard := NewGuard(GuardConfig{Ledger: kv.NewMemoryRootStore().Partition(GuardPartition)})

	for i, expected := range []bool{true, false, false} {
		newly, err := guard.RegisterIfAbsent("inv/effect")

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if newly != expected {
			t.Fatalf("call %d: expected newly to be %v, got %v", i, expected, newly)
		}
	}
}

func TestGuardRun(t *testing.T) {
	guard := NewGuard(GuardConfig{Ledger: kv.NewMemoryRootStore().Partition(GuardPartition)})
	applied := map[string]int{}
	failing := errors.New("failed")
	fail := true

	effects := func() []effect {
		return []effect{
			{name: "a", apply: func() error { applied["a"]++; return nil }},
			{name: "b", apply: func() error {
				if fail {
					return failing
				}

				applied["b"]++

				return nil
			}},
		}
	}

	err := guard.run(context.Background(), "inv", effects())

	var sideEffectErr *SideEffectError

	if !errors.As(err, &sideEffectErr) || sideEffectErr.Effect != "b" {
		t.Fatalf("expected a side effect error for b, got %#v", err)
	}

	fail = false

	for i := 0; i < 3; i++ {
		if err := guard.run(context.Background(), "inv", effects()); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	if diff := cmp.Diff(map[string]int{"a": 1, "b": 1}, applied); diff != "" {
		t.Fatal(diff)
	}

	for _, name := range []string{"a", "b"} {
		registered, err := guard.Registered(EffectID("inv", name))

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if !registered {
			t.Fatalf("expected %s to be registered", name)
		}
	}

	if err := guard.run(context.Background(), "other", effects()); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(map[string]int{"a": 2, "b": 2}, applied); diff != "" {
		t.Fatal(diff)
	}
}
