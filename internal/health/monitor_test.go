package health

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/deFang/orderbook-arbtraguer/internal/venue"
	"github.com/deFang/orderbook-arbtraguer/pkg/types"
)

type fakeAdapter struct {
	venue.Adapter

	name    string
	healthy bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Healthy(context.Context) (bool, error) { return f.healthy, nil }

func TestStateMaintainRestoresPriorMode(t *testing.T) {
	t.Parallel()

	s := NewState(types.OrderModeReduceOnly)
	if !s.enterMaintain() {
		t.Fatal("enterMaintain reported no change")
	}
	if s.Mode() != types.OrderModeMaintain {
		t.Fatalf("mode = %s", s.Mode())
	}
	// Re-entering maintain must not overwrite the remembered mode.
	if s.enterMaintain() {
		t.Error("enterMaintain changed state while already in maintain")
	}
	if !s.leaveMaintain() {
		t.Fatal("leaveMaintain reported no change")
	}
	if s.Mode() != types.OrderModeReduceOnly {
		t.Errorf("mode = %s, want reduce_only restored", s.Mode())
	}
}

func TestMonitorProbeTogglesMode(t *testing.T) {
	t.Parallel()

	okx := &fakeAdapter{name: "okex", healthy: true}
	bin := &fakeAdapter{name: "binance", healthy: false}
	state := NewState(types.OrderModeNormal)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(state, []venue.Adapter{okx, bin}, logger)

	m.probe(context.Background())
	if state.Mode() != types.OrderModeMaintain {
		t.Fatalf("mode = %s, want maintain while binance is down", state.Mode())
	}

	bin.healthy = true
	m.probe(context.Background())
	if state.Mode() != types.OrderModeNormal {
		t.Errorf("mode = %s, want normal after recovery", state.Mode())
	}
}
