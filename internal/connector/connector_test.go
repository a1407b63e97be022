package connector

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/solaceflow/connector/internal/app"
	"github.com/solaceflow/connector/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNotReadyBeforeStart(t *testing.T) {
	c := New(events.New(), testLogger())
	a := app.NewExplicit("a1", nil, nil, nil, nil, events.New(), testLogger())
	c.Register(a)

	if c.IsReady() {
		t.Fatal("expected not ready before Start")
	}
}

func TestReadyAfterStartWithNoApps(t *testing.T) {
	c := New(events.New(), testLogger())
	c.Start()
	defer c.Stop()

	if !c.IsReady() {
		t.Fatal("expected ready with zero registered apps once started")
	}
}

func TestReadyReflectsEachAppsReadiness(t *testing.T) {
	c := New(events.New(), testLogger())
	a1 := app.NewExplicit("a1", nil, nil, nil, nil, events.New(), testLogger())
	a2 := app.NewExplicit("a2", nil, nil, nil, nil, events.New(), testLogger())
	c.Register(a1)
	c.Register(a2)
	c.Start()
	defer c.Stop()

	if !c.IsReady() {
		t.Fatal("expected ready with both apps ready")
	}

	a2.SetReady(false)
	if c.IsReady() {
		t.Fatal("expected not ready once one app reports not ready")
	}
}

func TestLivenessTracksStop(t *testing.T) {
	c := New(events.New(), testLogger())
	if !c.IsLive() {
		t.Fatal("expected live immediately after construction")
	}
	c.Stop()
	if c.IsLive() {
		t.Fatal("expected not live after Stop")
	}
}

func TestWaitReadyTimesOutWhenNeverReady(t *testing.T) {
	c := New(events.New(), testLogger())
	// never call Start, so IsReady() stays false
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.WaitReady(ctx, 10*time.Millisecond); err == nil {
		t.Fatal("expected WaitReady to time out")
	}
}

func TestWaitReadySucceedsOnceStarted(t *testing.T) {
	c := New(events.New(), testLogger())
	c.Start()
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitReady(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestAppLookup(t *testing.T) {
	c := New(events.New(), testLogger())
	a := app.NewExplicit("only", nil, nil, nil, nil, events.New(), testLogger())
	c.Register(a)

	got, ok := c.App("only")
	if !ok || got != a {
		t.Fatal("expected App lookup by name to find the registered app")
	}
	if _, ok := c.App("missing"); ok {
		t.Fatal("expected lookup of an unregistered name to fail")
	}
	if len(c.Apps()) != 1 {
		t.Fatalf("expected 1 app, got %d", len(c.Apps()))
	}
}
