package units

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrUnsupportedUnit = errors.New("unsupported unit")
)

// Conversion maps a native unit onto a variable's canonical unit. From is the
// inverse, kept so conversions can be round-tripped.
type Conversion struct {
	To   func(float64) float64
	From func(float64) float64
}

// Variable describes one canonical physical variable.
type Variable struct {
	Key               string
	CanonicalUnit     string
	Synonyms          []string
	DefaultThresholds []float64 // canonical units, operator decided by caller
	MinValid          float64   // QC range, canonical units
	MaxValid          float64
}

// Registry resolves variable synonyms to canonical keys and converts native
// units to canonical units. It is immutable after Validate and safe for
// concurrent use.
type Registry struct {
	variables   map[string]Variable
	synonyms    map[string]string
	conversions map[string]map[string]Conversion
}

func NewRegistry() *Registry {
	return &Registry{
		variables:   make(map[string]Variable),
		synonyms:    make(map[string]string),
		conversions: make(map[string]map[string]Conversion),
	}
}

func (r *Registry) Register(v Variable, conversions map[string]Conversion) {
	r.variables[v.Key] = v
	r.synonyms[v.Key] = v.Key
	for _, s := range v.Synonyms {
		r.synonyms[s] = v.Key
	}
	r.conversions[v.Key] = conversions
}

// Validate checks internal consistency so bad mappings fail at startup rather
// than passing through a run.
func (r *Registry) Validate() error {
	for syn, key := range r.synonyms {
		if _, ok := r.variables[key]; !ok {
			return fmt.Errorf("synonym %q maps to unregistered variable %q", syn, key)
		}
	}
	for key, convs := range r.conversions {
		v, ok := r.variables[key]
		if !ok {
			return fmt.Errorf("conversions registered for unregistered variable %q", key)
		}
		canonical, ok := convs[v.CanonicalUnit]
		if !ok {
			return fmt.Errorf("variable %q has no conversion for its canonical unit %q", key, v.CanonicalUnit)
		}
		if got := canonical.To(1.5); got != 1.5 {
			return fmt.Errorf("variable %q canonical conversion is not identity", key)
		}
		if v.MinValid >= v.MaxValid {
			return fmt.Errorf("variable %q has invalid QC range [%v, %v]", key, v.MinValid, v.MaxValid)
		}
	}
	return nil
}

// Resolve maps a variable name or synonym to its canonical key.
func (r *Registry) Resolve(name string) (string, error) {
	key, ok := r.synonyms[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	return key, nil
}

// AllNames returns the canonical key plus every registered synonym, the full
// set of spellings a collector may have written for the variable.
func (r *Registry) AllNames(key string) ([]string, error) {
	v, ok := r.variables[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, key)
	}
	names := make([]string, 0, len(v.Synonyms)+1)
	names = append(names, v.Key)
	names = append(names, v.Synonyms...)
	return names, nil
}

func (r *Registry) CanonicalUnit(key string) (string, error) {
	v, ok := r.variables[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariable, key)
	}
	return v.CanonicalUnit, nil
}

// Thresholds returns the registered default decision thresholds for a
// canonical variable, in canonical units.
func (r *Registry) Thresholds(key string) ([]float64, error) {
	v, ok := r.variables[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, key)
	}
	out := make([]float64, len(v.DefaultThresholds))
	copy(out, v.DefaultThresholds)
	return out, nil
}

// ToCanonical converts a value in a native unit to the variable's canonical
// unit. The variable must already be a canonical key (see Resolve).
func (r *Registry) ToCanonical(key, unit string, value float64) (float64, error) {
	convs, ok := r.conversions[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariable, key)
	}
	conv, ok := convs[unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q for %s", ErrUnsupportedUnit, unit, key)
	}
	return conv.To(value), nil
}

// FromCanonical is the inverse of ToCanonical.
func (r *Registry) FromCanonical(key, unit string, value float64) (float64, error) {
	convs, ok := r.conversions[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariable, key)
	}
	conv, ok := convs[unit]
	if !ok {
		return 0, fmt.Errorf("%w: %q for %s", ErrUnsupportedUnit, unit, key)
	}
	return conv.From(value), nil
}

// Quality-control flags attached to skipped records.
const (
	FlagMissingSentinel = "missing_sentinel"
	FlagOutOfRange      = "out_of_range"
	FlagBadCoordinates  = "bad_coordinates"
)

// CheckValue flags values that should never reach matching: NaN/Inf, the
// ±999.9 missing-data sentinels some feeds emit, and values outside the
// variable's physically reasonable range. The value must be canonical.
func (r *Registry) CheckValue(key string, value float64) (string, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return FlagMissingSentinel, false
	}
	if value == 999.9 || value == -999.9 {
		return FlagMissingSentinel, false
	}
	if v, ok := r.variables[key]; ok {
		if value < v.MinValid || value > v.MaxValid {
			return FlagOutOfRange, false
		}
	}
	return "", true
}

// CheckCoordinates flags malformed positions.
func CheckCoordinates(lat, lon float64) (string, bool) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return FlagBadCoordinates, false
	}
	return "", true
}

func identity() Conversion {
	return Conversion{To: func(v float64) float64 { return v }, From: func(v float64) float64 { return v }}
}

func linear(scale, offset float64) Conversion {
	return Conversion{
		To:   func(v float64) float64 { return v*scale + offset },
		From: func(v float64) float64 { return (v - offset) / scale },
	}
}

const (
	msToKnots  = 1.943844
	kmhToKnots = 1 / 1.852
	mphToKnots = 0.868976
	inHgToHPa  = 33.8639
	inToMm     = 25.4
)

// DefaultRegistry covers the variables the collectors currently write:
// 2m temperature and dewpoint, 10m wind, mean sea-level pressure, and hourly
// precipitation. Canonical units are the operational ones (°C, kt, hPa, mm).
func DefaultRegistry() *Registry {
	r := NewRegistry()

	tempConvs := map[string]Conversion{
		"C": identity(),
		"K": linear(1, -273.15),
		"F": {
			To:   func(v float64) float64 { return (v - 32) * 5 / 9 },
			From: func(v float64) float64 { return v*9/5 + 32 },
		},
	}

	r.Register(Variable{
		Key:               "temperature_2m",
		CanonicalUnit:     "C",
		Synonyms:          []string{"temp", "temperature", "air_temperature", "air_temperature_2m"},
		DefaultThresholds: []float64{0.0, -5.0, 10.0, 35.0}, // freezing, severe frost, comfort, heat
		MinValid:          -60,
		MaxValid:          60,
	}, tempConvs)

	r.Register(Variable{
		Key:               "dewpoint_2m",
		CanonicalUnit:     "C",
		Synonyms:          []string{"dewpoint", "dew_point", "dewpoint_temperature"},
		DefaultThresholds: []float64{0.0},
		MinValid:          -60,
		MaxValid:          40,
	}, tempConvs)

	r.Register(Variable{
		Key:               "wind_speed_10m",
		CanonicalUnit:     "kt",
		Synonyms:          []string{"wind_speed", "wind", "windspeed"},
		DefaultThresholds: []float64{25.0, 34.0, 48.0}, // small craft, gale, storm
		MinValid:          0,
		MaxValid:          150,
	}, map[string]Conversion{
		"kt":   identity(),
		"m/s":  linear(msToKnots, 0),
		"km/h": linear(kmhToKnots, 0),
		"mph":  linear(mphToKnots, 0),
	})

	r.Register(Variable{
		Key:               "mslp",
		CanonicalUnit:     "hPa",
		Synonyms:          []string{"pressure", "sea_level_pressure", "slp"},
		DefaultThresholds: []float64{1000.0, 1020.0},
		MinValid:          900,
		MaxValid:          1100,
	}, map[string]Conversion{
		"hPa":  identity(),
		"mb":   identity(),
		"Pa":   linear(0.01, 0),
		"inHg": linear(inHgToHPa, 0),
	})

	r.Register(Variable{
		Key:               "precip_1h",
		CanonicalUnit:     "mm",
		Synonyms:          []string{"precip", "precipitation", "precipitation_1h"},
		DefaultThresholds: []float64{0.2, 7.6}, // measurable, heavy
		MinValid:          0,
		MaxValid:          500,
	}, map[string]Conversion{
		"mm": identity(),
		"in": linear(inToMm, 0),
	})

	return r
}
