// Package dataset holds pre-recorded cell measurement streams: ordered
// time/current/voltage samples with optional cycle indices, plus derived
// columns appended after an estimation run.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Sample is one measurement: time in seconds, applied current in amps
// (discharge positive) and the measured terminal voltage.
type Sample struct {
	Time    float64
	Current float64
	Voltage float64
	Cycle   int
}

// Column is a named derived series aligned to the sample indices.
type Column struct {
	Name   string
	Values []float64
}

// Dataset is an in-memory measurement stream. Samples are ordered by time;
// CheckOrdering enforces this before any estimation run. HasCycle records
// whether the source carried a cycle column, so a load/save round trip keeps
// the schema unchanged.
type Dataset struct {
	Samples  []Sample
	Derived  []Column
	HasCycle bool
}

// SampleOrderingError reports a measurement stream that is not strictly
// increasing in time. It is fatal and detected before the estimation loop.
type SampleOrderingError struct {
	Index      int
	Prev, Next float64
}

func (e *SampleOrderingError) Error() string {
	return fmt.Sprintf("sample %d: time %g does not increase from %g", e.Index, e.Next, e.Prev)
}

// CheckOrdering verifies the stream is strictly increasing in time.
func (d *Dataset) CheckOrdering() error {
	for i := 1; i < len(d.Samples); i++ {
		if d.Samples[i].Time <= d.Samples[i-1].Time {
			return &SampleOrderingError{Index: i, Prev: d.Samples[i-1].Time, Next: d.Samples[i].Time}
		}
	}
	return nil
}

// AddColumn appends a derived column. The values slice must be aligned to
// the sample indices; unestimated entries hold NaN.
func (d *Dataset) AddColumn(name string, values []float64) error {
	if len(values) != len(d.Samples) {
		return fmt.Errorf("column %s has %d values for %d samples", name, len(values), len(d.Samples))
	}
	d.Derived = append(d.Derived, Column{Name: name, Values: values})
	return nil
}

// CycleMeans averages a derived column per cycle index, skipping NaN
// entries. Cycles are returned in increasing order.
func (d *Dataset) CycleMeans(name string) (cycles []int, means []float64, err error) {
	var col *Column
	for i := range d.Derived {
		if d.Derived[i].Name == name {
			col = &d.Derived[i]
			break
		}
	}
	if col == nil {
		return nil, nil, fmt.Errorf("no derived column %q", name)
	}

	byCycle := make(map[int][]float64)
	for i, s := range d.Samples {
		if v := col.Values[i]; !math.IsNaN(v) {
			byCycle[s.Cycle] = append(byCycle[s.Cycle], v)
		}
	}
	for c := range byCycle {
		cycles = append(cycles, c)
	}
	sort.Ints(cycles)
	for _, c := range cycles {
		means = append(means, stat.Mean(byCycle[c], nil))
	}
	return cycles, means, nil
}

// LoadCSV reads a measurement stream from a CSV file with a header row of
// time,current,voltage and an optional cycle column. Malformed rows are
// skipped and counted rather than failing the whole load.
func LoadCSV(path string) (*Dataset, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening dataset: %w", err)
	}
	defer file.Close()
	return ReadCSV(file)
}

// ReadCSV is LoadCSV over an already-open reader.
func ReadCSV(r io.Reader) (*Dataset, int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("reading dataset header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, want := range []string{"time", "current", "voltage"} {
		if _, ok := cols[want]; !ok {
			return nil, 0, fmt.Errorf("dataset header missing %q column", want)
		}
	}
	cycleCol, hasCycle := cols["cycle"]

	ds := &Dataset{HasCycle: hasCycle}
	skipped := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		s, ok := parseSample(record, cols, cycleCol, hasCycle)
		if !ok {
			skipped++
			continue
		}
		ds.Samples = append(ds.Samples, s)
	}
	return ds, skipped, nil
}

func parseSample(record []string, cols map[string]int, cycleCol int, hasCycle bool) (Sample, bool) {
	get := func(name string) (float64, bool) {
		i := cols[name]
		if i >= len(record) {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		return v, err == nil
	}
	t, ok1 := get("time")
	i, ok2 := get("current")
	v, ok3 := get("voltage")
	if !ok1 || !ok2 || !ok3 {
		return Sample{}, false
	}
	s := Sample{Time: t, Current: i, Voltage: v}
	if hasCycle && cycleCol < len(record) {
		if c, err := strconv.Atoi(strings.TrimSpace(record[cycleCol])); err == nil {
			s.Cycle = c
		}
	}
	return s, true
}

// SaveCSV writes the samples and every derived column.
func (d *Dataset) SaveCSV(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer file.Close()
	return d.WriteCSV(file)
}

// WriteCSV is SaveCSV over an already-open writer.
func (d *Dataset) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	header := []string{"time", "current", "voltage"}
	if d.HasCycle {
		header = append(header, "cycle")
	}
	for _, c := range d.Derived {
		header = append(header, c.Name)
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	row := make([]string, 0, len(header))
	for i, s := range d.Samples {
		row = row[:0]
		row = append(row,
			strconv.FormatFloat(s.Time, 'g', -1, 64),
			strconv.FormatFloat(s.Current, 'g', -1, 64),
			strconv.FormatFloat(s.Voltage, 'g', -1, 64))
		if d.HasCycle {
			row = append(row, strconv.Itoa(s.Cycle))
		}
		for _, c := range d.Derived {
			row = append(row, strconv.FormatFloat(c.Values[i], 'g', -1, 64))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
