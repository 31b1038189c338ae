package verify

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/openwx/wxverify/internal/models"
)

func defaultWindows() MatchWindows {
	return MatchWindows{SpatialKm: 50, TemporalHours: 1, TimeWeight: 10}
}

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tol                    float64
	}{
		{"same point", 34.05, -118.24, 34.05, -118.24, 0, 1e-9},
		{"downtown LA pair", 34.05, -118.24, 34.06, -118.25, 1.45, 0.1},
		{"one degree of latitude", 0, 0, 1, 0, 111.19, 0.5},
		{"antipodal-ish", 0, 0, 0, 180, math.Pi * 6371, 1},
	}
	for _, tt := range tests {
		got := HaversineKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
		if math.Abs(got-tt.want) > tt.tol {
			t.Errorf("%s: HaversineKm = %v, want %v ± %v", tt.name, got, tt.want, tt.tol)
		}
	}
}

func obsAt(lat, lon float64, at time.Time) models.Observation {
	return models.Observation{
		ID:         1,
		StationID:  "KLAX",
		Variable:   "temperature_2m",
		ObservedAt: at,
		Latitude:   lat,
		Longitude:  lon,
	}
}

func TestBestMatch_ScenarioLA(t *testing.T) {
	validTime := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	obsTime := time.Date(2024, 1, 10, 12, 20, 0, 0, time.UTC)

	obs := obsAt(34.06, -118.25, obsTime)
	fc := models.Forecast{
		ID:        7,
		Model:     "GFS",
		Variable:  "temperature_2m",
		IssueTime: validTime.Add(-6 * time.Hour),
		ValidTime: validTime,
		LeadHours: 6,
		Latitude:  34.05,
		Longitude: -118.24,
		Value:     33.5,
		Unit:      "C",
	}

	match := BestMatch(obs, []models.Forecast{fc}, defaultWindows())
	if match == nil {
		t.Fatal("BestMatch returned nil, want a match")
	}
	if match.DistanceKm >= 2 {
		t.Errorf("DistanceKm = %v, want < 2", match.DistanceKm)
	}
	if math.Abs(match.TimeDiffHours-1.0/3) > 0.01 {
		t.Errorf("TimeDiffHours = %v, want ≈ 0.333", match.TimeDiffHours)
	}
}

func TestBestMatch_NoCandidateInWindows(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	obs := obsAt(34.05, -118.24, now)

	tooFar := models.Forecast{ID: 1, ValidTime: now, Latitude: 35.0, Longitude: -120.0}
	tooLate := models.Forecast{ID: 2, ValidTime: now.Add(2 * time.Hour), Latitude: 34.05, Longitude: -118.24}

	if m := BestMatch(obs, nil, defaultWindows()); m != nil {
		t.Error("match with no candidates")
	}
	if m := BestMatch(obs, []models.Forecast{tooFar, tooLate}, defaultWindows()); m != nil {
		t.Errorf("match = forecast %d, want none", m.Forecast.ID)
	}
}

func TestBestMatch_CombinedScorePrefersCloser(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	obs := obsAt(34.05, -118.24, now)

	// ~1.45 km away but 30 min offset: score ≈ 1.45 + 0.5*10 = 6.45
	nearLater := models.Forecast{ID: 1, ValidTime: now.Add(30 * time.Minute), Latitude: 34.06, Longitude: -118.25}
	// ~5.6 km away at the exact time: score ≈ 5.6
	farNow := models.Forecast{ID: 2, ValidTime: now, Latitude: 34.10, Longitude: -118.24}

	m := BestMatch(obs, []models.Forecast{nearLater, farNow}, defaultWindows())
	if m == nil {
		t.Fatal("no match")
	}
	if m.Forecast.ID != 2 {
		t.Errorf("matched forecast %d, want 2 (lower combined score)", m.Forecast.ID)
	}

	// With time discounted entirely the closer grid point wins.
	w := defaultWindows()
	w.TimeWeight = 0
	m = BestMatch(obs, []models.Forecast{nearLater, farNow}, w)
	if m == nil || m.Forecast.ID != 1 {
		t.Errorf("with zero time weight matched %+v, want forecast 1", m)
	}
}

func TestBestMatch_TieBreakFreshestIssue(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	obs := obsAt(34.05, -118.24, now)

	stale := models.Forecast{ID: 1, IssueTime: now.Add(-24 * time.Hour), ValidTime: now, Latitude: 34.05, Longitude: -118.24}
	fresh := models.Forecast{ID: 2, IssueTime: now.Add(-6 * time.Hour), ValidTime: now, Latitude: 34.05, Longitude: -118.24}

	m := BestMatch(obs, []models.Forecast{stale, fresh}, defaultWindows())
	if m == nil || m.Forecast.ID != 2 {
		t.Errorf("matched %+v, want freshest issue (id 2)", m)
	}
}

func TestBestMatch_DeterministicUnderShuffle(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	obs := obsAt(34.05, -118.24, now)

	issue := now.Add(-12 * time.Hour)
	var candidates []models.Forecast
	for i := 0; i < 20; i++ {
		candidates = append(candidates, models.Forecast{
			ID:        int64(i + 1),
			IssueTime: issue,
			ValidTime: now.Add(time.Duration(i%3-1) * 30 * time.Minute),
			Latitude:  34.05 + float64(i%5)*0.01,
			Longitude: -118.24,
		})
	}

	first := BestMatch(obs, candidates, defaultWindows())
	if first == nil {
		t.Fatal("no match")
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 25; trial++ {
		shuffled := make([]models.Forecast, len(candidates))
		copy(shuffled, candidates)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		m := BestMatch(obs, shuffled, defaultWindows())
		if m == nil || m.Forecast.ID != first.Forecast.ID {
			t.Fatalf("trial %d: matched %+v, want forecast %d regardless of order", trial, m, first.Forecast.ID)
		}
	}
}
