// Package router maps a session's orientation snapshot to a routing
// suggestion. Suggest is a pure function of its inputs; the store is never
// mutated.
package router

import (
	"github.com/ltp-dev/ltp/internal/store"
	"github.com/ltp-dev/ltp/pkg/protocol"
)

// Momentum thresholds for sector tagging.
const (
	highMomentum = 0.7
	lowMomentum  = 0.3
)

// Suggest builds the route_suggestion for a session. A nil snapshot (no
// recorded state) yields the neutral default. When focus momentum is
// present it is echoed into the debug block and, past the thresholds,
// appended to the sector label.
func Suggest(sessionID string, snap *store.Snapshot) *protocol.RouteSuggestion {
	sector := protocol.SectorBaseNeutral
	reason := "default"
	debug := &protocol.RouteDebug{}

	if snap != nil {
		debug.FocusMomentum = snap.FocusMomentum
		debug.TimeOrientation = snap.TimeOrientation

		if snap.TimeOrientation != nil {
			switch snap.TimeOrientation.Direction {
			case protocol.DirectionPast:
				sector = protocol.SectorRetrospectiveSafe
				reason = "client leaning towards past"
			case protocol.DirectionPresent:
				sector = protocol.SectorPresentFocus
				reason = "client is present-oriented"
			case protocol.DirectionFuture:
				sector = protocol.SectorFuturePlanning
				reason = "client oriented to future"
			case protocol.DirectionMulti:
				sector = protocol.SectorMultiBridge
				reason = "client in multi-temporal state"
			}
		}
	}

	label := string(sector)
	if snap != nil && snap.FocusMomentum != nil {
		switch m := *snap.FocusMomentum; {
		case m > highMomentum:
			label += "-high-momentum"
		case m < lowMomentum:
			label += "-low-momentum"
		}
	}

	return &protocol.RouteSuggestion{
		SessionID:       sessionID,
		SuggestedSector: label,
		Reason:          reason,
		Debug:           debug,
	}
}
