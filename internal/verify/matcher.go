package verify

import (
	"math"
	"time"

	"github.com/openwx/wxverify/internal/models"
)

const earthRadiusKm = 6371

// HaversineKm returns the great-circle distance between two points in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// MatchWindows bounds the candidate search around an observation.
type MatchWindows struct {
	SpatialKm     float64 // max great-circle distance
	TemporalHours float64 // max |valid_time - obs_time|
	TimeWeight    float64 // km equivalent of one hour of time offset
}

// Match holds the selected forecast and its separation from the observation.
type Match struct {
	Forecast      models.Forecast
	DistanceKm    float64
	TimeDiffHours float64
}

// BestMatch selects the candidate forecast closest to the observation under
// the combined score distance_km + time_offset_hours*TimeWeight. Ties go to
// the most recent issue time, then the lowest forecast id, so the result does
// not depend on candidate order. Candidates are assumed pre-filtered to the
// observation's model, variable, and temporal window; the temporal filter is
// re-applied here so callers with wider queries still get correct windows.
// Returns nil when nothing qualifies, which is the common case and not an
// error.
func BestMatch(obs models.Observation, candidates []models.Forecast, w MatchWindows) *Match {
	var best *Match
	bestScore := math.Inf(1)

	for _, fc := range candidates {
		offset := math.Abs(fc.ValidTime.Sub(obs.ObservedAt).Hours())
		if offset > w.TemporalHours {
			continue
		}
		dist := HaversineKm(obs.Latitude, obs.Longitude, fc.Latitude, fc.Longitude)
		if dist > w.SpatialKm {
			continue
		}

		score := dist + offset*w.TimeWeight
		if best != nil {
			if score > bestScore {
				continue
			}
			if score == bestScore && !preferredOver(fc, best.Forecast) {
				continue
			}
		}
		fc := fc
		best = &Match{Forecast: fc, DistanceKm: dist, TimeDiffHours: offset}
		bestScore = score
	}

	return best
}

// preferredOver breaks exact score ties: fresher issue wins, then lower id.
func preferredOver(a, b models.Forecast) bool {
	if !a.IssueTime.Equal(b.IssueTime) {
		return a.IssueTime.After(b.IssueTime)
	}
	return a.ID < b.ID
}

// WindowAround returns the inclusive temporal query window for an observation.
func WindowAround(t time.Time, temporalHours float64) (time.Time, time.Time) {
	d := time.Duration(temporalHours * float64(time.Hour))
	return t.Add(-d), t.Add(d)
}
