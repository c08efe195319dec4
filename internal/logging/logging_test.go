package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(prev) })
	return logs
}

func TestWithSession(t *testing.T) {
	logs := observe(t)

	ctx := WithSession(context.Background(), "0b7e")
	WithContext(ctx).Info("block uploaded", Int("index", 3))
	WithContext(context.Background()).Info("untagged")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if got := entries[0].ContextMap()["session_id"]; got != "0b7e" {
		t.Errorf("session_id = %v", got)
	}
	if got := entries[0].ContextMap()["index"]; got != int64(3) {
		t.Errorf("index = %v", got)
	}
	if _, ok := entries[1].ContextMap()["session_id"]; ok {
		t.Error("untagged entry carries a session id")
	}
}

func TestWrappers(t *testing.T) {
	logs := observe(t)

	Debug("d")
	Info("i", String("k", "v"))
	Warn("w")
	Error("e")

	if n := logs.Len(); n != 4 {
		t.Fatalf("got %d entries, want 4", n)
	}
	if logs.FilterMessage("i").FilterField(zap.String("k", "v")).Len() != 1 {
		t.Error("Info entry missing its field")
	}
}

func TestSetLevel(t *testing.T) {
	if err := SetLevel("nonsense"); err == nil {
		t.Error("expected error for unknown level")
	}
	if err := SetLevel("debug"); err != nil {
		t.Fatal(err)
	}
	if !level.Enabled(zapcore.DebugLevel) {
		t.Error("debug not enabled")
	}
	SetLevel("info")
}
