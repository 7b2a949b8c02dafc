package schema_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/plover/schema"
	"github.com/jrife/plover/storage/kv"
)

func TestRegistry(t *testing.T) {
	registry := schema.New(schema.Config{Store: kv.NewMemoryRootStore().Partition(schema.Partition)})

	testCases := []struct {
		typeName string
		newly    bool
	}{
		{"TestValue", true},
		{"MyKey", true},
		{"TestValue", false},
	}

	for _, testCase := range testCases {
		newly, err := registry.Register(testCase.typeName)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if newly != testCase.newly {
			t.Fatalf("register %s: expected newly to be %v, got %v", testCase.typeName, testCase.newly, newly)
		}
	}

	types, err := registry.Types()

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"MyKey", "TestValue"}, types); diff != "" {
		t.Fatal(diff)
	}

	if registry.Registrations() != 3 {
		t.Fatalf("expected 3 registrations, got %d", registry.Registrations())
	}

	if registered, _ := registry.Registered("Other"); registered {
		t.Fatalf("expected Other to be unregistered")
	}

	if _, err := registry.Register(""); err == nil {
		t.Fatalf("expected an empty type name to be rejected")
	}
}
