package log

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFields(t *testing.T) {
	ctx := WithTx(context.Background(), "tx1")
	a := WithInvocation(ctx, "a")
	b := WithInvocation(ctx, "b")

	keys := func(ctx context.Context) []string {
		var result []string

		for _, field := range Fields(ctx) {
			result = append(result, field.Key+"="+field.String)
		}

		return result
	}

	if diff := cmp.Diff([]string{"tx=tx1", "invocation=a"}, keys(a)); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff([]string{"tx=tx1", "invocation=b"}, keys(b)); diff != "" {
		t.Fatal(diff)
	}

	if len(Fields(context.Background())) != 0 {
		t.Fatalf("expected no fields in an empty context")
	}
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := WithTx(context.Background(), "tx1")

	WithContext(ctx, zap.New(core)).Debug("start")

	entries := logs.All()

	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}

	if diff := cmp.Diff(map[string]interface{}{"tx": "tx1"}, entries[0].ContextMap()); diff != "" {
		t.Fatal(diff)
	}
}
