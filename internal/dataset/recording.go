package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Recording is one decoded sensor file: per-sample timestamp, features and 0/1 FOG label.
type Recording struct {
	Path     string
	Time     []float64
	Features [][]float64
	Labels   []float64
}

// Len returns the number of samples.
func (r *Recording) Len() int { return len(r.Labels) }

// ReadRecording decodes a CSV recording with rows "time,f1..fN,label".
// A first row that does not parse as numbers is treated as a header.
func ReadRecording(path string, featureCount int) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rec, err := DecodeRecording(bufio.NewReader(f), featureCount)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rec.Path = path
	return rec, nil
}

// DecodeRecording reads a recording from r.
func DecodeRecording(r io.Reader, featureCount int) (*Recording, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true
	want := featureCount + 2
	rec := &Recording{}
	line := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(row) != want {
			return nil, fmt.Errorf("line %d: %d columns, want %d", line, len(row), want)
		}
		vals := make([]float64, want)
		bad := -1
		for i, s := range row {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				bad = i
				break
			}
			vals[i] = v
		}
		if bad >= 0 {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d column %d: %q is not a number", line, bad+1, row[bad])
		}
		rec.Time = append(rec.Time, vals[0])
		rec.Features = append(rec.Features, vals[1:want-1])
		rec.Labels = append(rec.Labels, vals[want-1])
	}
	return rec, nil
}

// WriteRecording encodes rec as CSV with a header, creating parent directories.
func WriteRecording(path string, rec *Recording) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := EncodeRecording(bw, rec); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeRecording writes rec as CSV to w.
func EncodeRecording(w io.Writer, rec *Recording) error {
	cw := csv.NewWriter(w)
	nf := 0
	if len(rec.Features) > 0 {
		nf = len(rec.Features[0])
	}
	header := make([]string, 0, nf+2)
	header = append(header, "time")
	for i := 0; i < nf; i++ {
		header = append(header, "f"+strconv.Itoa(i+1))
	}
	header = append(header, "label")
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, nf+2)
	for i := range rec.Labels {
		if len(rec.Features[i]) != nf {
			return fmt.Errorf("sample %d has %d features, want %d", i, len(rec.Features[i]), nf)
		}
		t := float64(i)
		if i < len(rec.Time) {
			t = rec.Time[i]
		}
		row[0] = strconv.FormatFloat(t, 'g', -1, 64)
		for j, v := range rec.Features[i] {
			row[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		row[nf+1] = strconv.FormatFloat(rec.Labels[i], 'g', -1, 64)
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
