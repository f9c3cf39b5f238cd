package router

import (
	"testing"

	"github.com/ltp-dev/ltp/internal/store"
	"github.com/ltp-dev/ltp/pkg/protocol"
)

func snap(fm *float64, dir protocol.Direction, strength float64) *store.Snapshot {
	s := &store.Snapshot{FocusMomentum: fm}
	if dir != "" {
		s.TimeOrientation = &protocol.TimeOrientation{Direction: dir, Strength: strength}
	}
	return s
}

func fptr(f float64) *float64 { return &f }

func TestSuggestDefault(t *testing.T) {
	got := Suggest("s1", nil)
	if got.SuggestedSector != "base_neutral" {
		t.Errorf("sector = %q, want base_neutral", got.SuggestedSector)
	}
	if got.Reason != "default" {
		t.Errorf("reason = %q, want default", got.Reason)
	}
	if got.SessionID != "s1" {
		t.Errorf("session id = %q", got.SessionID)
	}
}

func TestSuggestDirections(t *testing.T) {
	cases := []struct {
		dir    protocol.Direction
		sector string
		reason string
	}{
		{protocol.DirectionPast, "retrospective_safe", "client leaning towards past"},
		{protocol.DirectionPresent, "present_focus", "client is present-oriented"},
		{protocol.DirectionFuture, "future_planning", "client oriented to future"},
		{protocol.DirectionMulti, "multi_bridge", "client in multi-temporal state"},
	}
	for _, tc := range cases {
		got := Suggest("s1", snap(nil, tc.dir, 0.5))
		if got.SuggestedSector != tc.sector {
			t.Errorf("%s: sector = %q, want %q", tc.dir, got.SuggestedSector, tc.sector)
		}
		if got.Reason != tc.reason {
			t.Errorf("%s: reason = %q, want %q", tc.dir, got.Reason, tc.reason)
		}
	}
}

func TestSuggestMomentumTagging(t *testing.T) {
	got := Suggest("s1", snap(fptr(0.8), protocol.DirectionFuture, 0.9))
	if got.SuggestedSector != "future_planning-high-momentum" {
		t.Errorf("sector = %q", got.SuggestedSector)
	}

	got = Suggest("s1", snap(fptr(0.1), protocol.DirectionPast, 0.5))
	if got.SuggestedSector != "retrospective_safe-low-momentum" {
		t.Errorf("sector = %q", got.SuggestedSector)
	}

	// Mid-range momentum leaves the label untouched; thresholds are strict.
	for _, m := range []float64{0.3, 0.5, 0.7} {
		got = Suggest("s1", snap(fptr(m), protocol.DirectionPresent, 0.5))
		if got.SuggestedSector != "present_focus" {
			t.Errorf("momentum %v: sector = %q", m, got.SuggestedSector)
		}
	}
}

func TestSuggestDebugEchoesOrientation(t *testing.T) {
	got := Suggest("s1", snap(fptr(0.8), protocol.DirectionFuture, 0.9))
	if got.Debug == nil {
		t.Fatal("debug block missing")
	}
	if got.Debug.FocusMomentum == nil || *got.Debug.FocusMomentum != 0.8 {
		t.Errorf("debug momentum = %v", got.Debug.FocusMomentum)
	}
	if got.Debug.TimeOrientation == nil || got.Debug.TimeOrientation.Strength != 0.9 {
		t.Errorf("debug orientation = %+v", got.Debug.TimeOrientation)
	}
}

func TestSuggestMomentumOnly(t *testing.T) {
	got := Suggest("s1", snap(fptr(0.9), "", 0))
	if got.SuggestedSector != "base_neutral-high-momentum" {
		t.Errorf("sector = %q", got.SuggestedSector)
	}
	if got.Reason != "default" {
		t.Errorf("reason = %q", got.Reason)
	}
}
