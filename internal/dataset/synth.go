package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
)

// SynthOptions controls synthetic recording generation.
type SynthOptions struct {
	Seconds      float64
	SampleRate   float64
	FeatureCount int
	// Number of FOG episodes injected per recording
	Episodes       int
	EpisodeSeconds float64
	// Standard deviation of additive gaussian noise
	Noise float64
	// All samples and labels are zero
	Zero bool
}

// DefaultSynthOptions is 30s of 9-channel data at 200Hz with two 3s episodes.
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{Seconds: 30, SampleRate: 200, FeatureCount: 9, Episodes: 2, EpisodeSeconds: 3, Noise: 0.05}
}

// Synthesize builds a recording from per-channel sums of sines: a ~1Hz gait
// component that collapses during FOG episodes while a 3-8Hz trembling
// component appears.
func Synthesize(opts SynthOptions, rng *rand.Rand) *Recording {
	n := int(math.Ceil(opts.Seconds * opts.SampleRate))
	rec := &Recording{
		Time:     make([]float64, n),
		Features: make([][]float64, n),
		Labels:   make([]float64, n),
	}
	period := 1.0 / opts.SampleRate
	for i := 0; i < n; i++ {
		rec.Time[i] = period * float64(i)
		rec.Features[i] = make([]float64, opts.FeatureCount)
	}
	if opts.Zero {
		return rec
	}

	epLen := int(opts.EpisodeSeconds * opts.SampleRate)
	for e := 0; e < opts.Episodes && epLen > 0 && epLen < n; e++ {
		start := rng.Intn(n - epLen)
		for i := start; i < start+epLen; i++ {
			rec.Labels[i] = 1
		}
	}

	gaitFreq := 0.8 + 0.4*rng.Float64()
	tremorFreq := 3 + 5*rng.Float64()
	phases := make([]float64, opts.FeatureCount)
	amps := make([]float64, opts.FeatureCount)
	for c := range phases {
		phases[c] = 2 * math.Pi * rng.Float64()
		amps[c] = 0.5 + rng.Float64()
	}
	for i := 0; i < n; i++ {
		t := rec.Time[i]
		fog := rec.Labels[i] > 0
		for c := 0; c < opts.FeatureCount; c++ {
			gait := amps[c] * math.Sin(2*math.Pi*gaitFreq*t+phases[c])
			v := gait
			if fog {
				v = 0.2*gait + 0.8*amps[c]*math.Sin(2*math.Pi*tremorFreq*t+phases[c])
			}
			if opts.Noise > 0 {
				v += opts.Noise * rng.NormFloat64()
			}
			rec.Features[i][c] = v
		}
	}
	return rec
}

// GenerateSynthetic writes filesPerPatient recordings for each of patients
// synthetic patients (P01, P02, ...) under dir and returns their identifiers.
func GenerateSynthetic(dir, detection string, patients, filesPerPatient int, opts SynthOptions, rng *rand.Rand) ([]string, error) {
	if patients <= 0 || filesPerPatient <= 0 {
		return nil, fmt.Errorf("need positive patients and files, got %d and %d", patients, filesPerPatient)
	}
	ids := make([]string, 0, patients)
	for p := 1; p <= patients; p++ {
		id := fmt.Sprintf("P%02d", p)
		for f := 1; f <= filesPerPatient; f++ {
			rec := Synthesize(opts, rng)
			path := filepath.Join(dir, id, fmt.Sprintf("%s_%03d.csv", detection, f))
			if err := WriteRecording(path, rec); err != nil {
				return nil, err
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
