package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
)

// ListPatients returns the patient identifiers under dataDir, one per sub-directory, sorted.
func ListPatients(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// PatientFiles returns the recordings of one patient for a detection problem, sorted.
func PatientFiles(dataDir, patient, detection string) ([]string, error) {
	pattern := filepath.Join(dataDir, patient, detection+"*.csv")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// ResolveFiles flattens a patient list into their recording files, preserving patient order.
func ResolveFiles(dataDir string, patients []string, detection string) ([]string, error) {
	var out []string
	for _, p := range patients {
		files, err := PatientFiles(dataDir, p, detection)
		if err != nil {
			return nil, fmt.Errorf("patient %s: %w", p, err)
		}
		out = append(out, files...)
	}
	return out, nil
}

// GenerateDataset lists the patients in dataDir and splits them into (test, train).
func GenerateDataset(dataDir string, testFrac float64, shuffle bool, rng *rand.Rand) ([]string, []string, error) {
	patients, err := ListPatients(dataDir)
	if err != nil {
		return nil, nil, err
	}
	train, test, err := Split(patients, testFrac, shuffle, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", dataDir, err)
	}
	return test, train, nil
}
