package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrNoPatients is returned when a split is requested over an empty patient list.
var ErrNoPatients = errors.New("no patients")

// Partition is the per-run assignment of patients to groups.
type Partition struct {
	Train      []string
	Validation []string
	Test       []string
}

// Groups returns the partition as group name -> patients, skipping empty groups.
func (p Partition) Groups() map[string][]string {
	out := make(map[string][]string, 3)
	if len(p.Train) > 0 {
		out["train"] = p.Train
	}
	if len(p.Validation) > 0 {
		out["validation"] = p.Validation
	}
	if len(p.Test) > 0 {
		out["test"] = p.Test
	}
	return out
}

// holdOutCount is round(n*frac), clamped so that both sides are non-empty when n >= 2.
func holdOutCount(n int, frac float64) int {
	k := int(math.Round(float64(n) * frac))
	if frac > 0 && n >= 2 {
		if k < 1 {
			k = 1
		}
		if k > n-1 {
			k = n - 1
		}
	}
	if k > n {
		k = n
	}
	if k < 0 {
		k = 0
	}
	return k
}

func ordered(patients []string, shuffle bool, rng *rand.Rand) []string {
	out := append([]string(nil), patients...)
	if shuffle {
		if rng == nil {
			rng = rand.New(rand.NewSource(1))
		}
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// Split separates patients into (rest, heldOut) where heldOut has round(n*frac) patients.
// Without shuffle the held-out patients are the tail of the input order.
func Split(patients []string, frac float64, shuffle bool, rng *rand.Rand) ([]string, []string, error) {
	if len(patients) == 0 {
		return nil, nil, ErrNoPatients
	}
	if frac < 0 || frac >= 1 {
		return nil, nil, fmt.Errorf("split fraction must be in [0,1), got %v", frac)
	}
	seen := make(map[string]struct{}, len(patients))
	for _, p := range patients {
		if _, dup := seen[p]; dup {
			return nil, nil, fmt.Errorf("duplicate patient %q", p)
		}
		seen[p] = struct{}{}
	}
	all := ordered(patients, shuffle, rng)
	k := holdOutCount(len(all), frac)
	cut := len(all) - k
	return all[:cut:cut], all[cut:], nil
}

// SplitValidation is Split in validation mode: it returns (train, validation).
func SplitValidation(patients []string, valFrac float64, shuffle bool, rng *rand.Rand) (Partition, error) {
	train, val, err := Split(patients, valFrac, shuffle, rng)
	if err != nil {
		return Partition{}, err
	}
	return Partition{Train: train, Validation: val}, nil
}

// SplitThree carves a test group out of patients first, then a validation group out of the rest.
func SplitThree(patients []string, testFrac, valFrac float64, shuffle bool, rng *rand.Rand) (Partition, error) {
	rest, test, err := Split(patients, testFrac, shuffle, rng)
	if err != nil {
		return Partition{}, err
	}
	p, err := SplitValidation(rest, valFrac, shuffle, rng)
	if err != nil {
		return Partition{}, err
	}
	p.Test = test
	return p, nil
}

// KFolds partitions patients into k contiguous folds whose sizes differ by at most one.
// Folds are per patient, so windows of one patient never appear in two folds.
func KFolds(patients []string, k int, shuffle bool, rng *rand.Rand) ([][]string, error) {
	n := len(patients)
	if n == 0 {
		return nil, ErrNoPatients
	}
	if k < 1 || k > n {
		return nil, fmt.Errorf("fold count %d out of range [1,%d]", k, n)
	}
	all := ordered(patients, shuffle, rng)
	folds := make([][]string, k)
	base, extra := n/k, n%k
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		folds[i] = all[start : start+size : start+size]
		start += size
	}
	return folds, nil
}

// WithoutFold concatenates every fold except folds[i].
func WithoutFold(folds [][]string, i int) []string {
	var out []string
	for j, f := range folds {
		if j != i {
			out = append(out, f...)
		}
	}
	return out
}
