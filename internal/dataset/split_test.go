package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
)

func patientIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("P%02d", i+1)
	}
	return out
}

func assertDisjointCover(t *testing.T, all []string, groups ...[]string) {
	t.Helper()
	seen := map[string]int{}
	for _, g := range groups {
		for _, p := range g {
			seen[p]++
		}
	}
	if len(seen) != len(all) {
		t.Fatalf("groups cover %d patients, want %d", len(seen), len(all))
	}
	for _, p := range all {
		if seen[p] != 1 {
			t.Fatalf("patient %s appears %d times", p, seen[p])
		}
	}
}

func TestSplitSizesAndDisjointness(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 1; n <= 25; n++ {
		for _, frac := range []float64{0.05, 0.1, 0.25, 0.5, 0.9} {
			all := patientIDs(n)
			train, test, err := Split(all, frac, true, rng)
			if err != nil {
				t.Fatal(err)
			}
			assertDisjointCover(t, all, train, test)
			want := math.Round(float64(n) * frac)
			if n >= 2 && (len(test) == 0 || len(train) == 0) {
				t.Fatalf("n=%d frac=%v: empty group train=%d test=%d", n, frac, len(train), len(test))
			}
			if n >= 2 && want >= 1 && want <= float64(n-1) && float64(len(test)) != want {
				t.Fatalf("n=%d frac=%v: test size %d want %v", n, frac, len(test), want)
			}
		}
	}
}

func TestSplitWithoutShuffleKeepsOrder(t *testing.T) {
	train, test, err := Split(patientIDs(10), 0.2, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if train[0] != "P01" || test[0] != "P09" || test[1] != "P10" {
		t.Fatalf("unexpected order train=%v test=%v", train, test)
	}
}

func TestSplitErrors(t *testing.T) {
	if _, _, err := Split(nil, 0.1, false, nil); !errors.Is(err, ErrNoPatients) {
		t.Fatalf("expected ErrNoPatients, got %v", err)
	}
	if _, _, err := Split(patientIDs(3), 1.0, false, nil); err == nil {
		t.Fatal("expected fraction error")
	}
	if _, _, err := Split([]string{"a", "a"}, 0.5, false, nil); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestSplitThreeDisjoint(t *testing.T) {
	all := patientIDs(20)
	p, err := SplitThree(all, 0.2, 0.1, true, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	assertDisjointCover(t, all, p.Train, p.Validation, p.Test)
	if len(p.Test) != 4 || len(p.Validation) != 2 {
		t.Fatalf("sizes test=%d val=%d", len(p.Test), len(p.Validation))
	}
	if len(p.Groups()) != 3 {
		t.Fatalf("groups: %v", p.Groups())
	}
}

func TestKFolds(t *testing.T) {
	all := patientIDs(10)
	folds, err := KFolds(all, 3, true, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	assertDisjointCover(t, all, folds...)
	sizes := []int{len(folds[0]), len(folds[1]), len(folds[2])}
	if sizes[0] != 4 || sizes[1] != 3 || sizes[2] != 3 {
		t.Fatalf("fold sizes %v", sizes)
	}
	rest := WithoutFold(folds, 1)
	assertDisjointCover(t, all, rest, folds[1])

	if _, err := KFolds(all, 11, false, nil); err == nil {
		t.Fatal("expected error for k > n")
	}
	if _, err := KFolds(all, 0, false, nil); err == nil {
		t.Fatal("expected error for k = 0")
	}
}
