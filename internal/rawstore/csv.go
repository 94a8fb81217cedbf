package rawstore

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fedigraph/fedigraph/internal/fedi"
)

const (
	instancesFile    = "instances.csv"
	observationsFile = "observations.csv"
)

var (
	instanceHeader    = []string{"host", "software", "status", "attributes"}
	observationHeader = []string{"source", "target", "kind", "weight", "observed_at"}
)

// CSVStore appends raw records to two CSV files under a run directory.
// Every append writes one full row and flushes it, so a crawl that dies
// mid-run leaves a replayable partial dataset.
type CSVStore struct {
	mu    sync.Mutex
	dir   string
	instF *os.File
	instW *csv.Writer
	obsF  *os.File
	obsW  *csv.Writer
}

// NewCSVStore creates the run directory and both files with headers.
func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create raw store dir %s: %w", dir, err)
	}
	instF, err := createWithHeader(filepath.Join(dir, instancesFile), instanceHeader)
	if err != nil {
		return nil, err
	}
	obsF, err := createWithHeader(filepath.Join(dir, observationsFile), observationHeader)
	if err != nil {
		_ = instF.Close()
		return nil, err
	}
	return &CSVStore{
		dir:   dir,
		instF: instF,
		instW: csv.NewWriter(instF),
		obsF:  obsF,
		obsW:  csv.NewWriter(obsF),
	}, nil
}

func createWithHeader(path string, header []string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flush header %s: %w", path, err)
	}
	return f, nil
}

// Dir returns the run directory the store writes into.
func (s *CSVStore) Dir() string { return s.dir }

// AppendInstance writes one instance row.
func (s *CSVStore) AppendInstance(_ context.Context, inst fedi.Instance) error {
	attrs, err := json.Marshal(inst.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes for %s: %w", inst.Host, err)
	}
	row := []string{inst.Host, string(inst.Software), string(inst.Status), string(attrs)}
	return s.writeRow(s.instW, row)
}

// AppendObservation writes one observation row.
func (s *CSVStore) AppendObservation(_ context.Context, obs fedi.Observation) error {
	row := []string{
		obs.Source,
		obs.Target,
		string(obs.Kind),
		strconv.FormatInt(obs.Weight, 10),
		obs.ObservedAt.UTC().Format(time.RFC3339),
	}
	return s.writeRow(s.obsW, row)
}

func (s *CSVStore) writeRow(w *csv.Writer, row []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := w.Write(row); err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush row: %w", err)
	}
	return nil
}

// Instances reads back every instance row written so far.
func (s *CSVStore) Instances(context.Context) ([]fedi.Instance, error) {
	rows, err := s.readAll(filepath.Join(s.dir, instancesFile), len(instanceHeader))
	if err != nil {
		return nil, err
	}
	out := make([]fedi.Instance, 0, len(rows))
	for _, row := range rows {
		inst := fedi.Instance{
			Host:     row[0],
			Software: fedi.Software(row[1]),
			Status:   fedi.Status(row[2]),
		}
		if row[3] != "" && row[3] != "null" {
			if err := json.Unmarshal([]byte(row[3]), &inst.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes for %s: %w", inst.Host, err)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// Observations reads back every observation row written so far.
func (s *CSVStore) Observations(context.Context) ([]fedi.Observation, error) {
	rows, err := s.readAll(filepath.Join(s.dir, observationsFile), len(observationHeader))
	if err != nil {
		return nil, err
	}
	out := make([]fedi.Observation, 0, len(rows))
	for _, row := range rows {
		weight, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse weight %q: %w", row[3], err)
		}
		ts, err := time.Parse(time.RFC3339, row[4])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", row[4], err)
		}
		out = append(out, fedi.Observation{
			Source:     row[0],
			Target:     row[1],
			Kind:       fedi.EdgeKind(row[2]),
			Weight:     weight,
			ObservedAt: ts,
		})
	}
	return out, nil
}

func (s *CSVStore) readAll(path string, fields int) ([][]string, error) {
	s.mu.Lock()
	s.instW.Flush()
	s.obsW.Flush()
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = fields
	if _, err := r.Read(); err != nil { // header
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// Close flushes and closes both files.
func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instW.Flush()
	s.obsW.Flush()
	var firstErr error
	for _, f := range []*os.File{s.instF, s.obsF} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close raw store: %w", err)
		}
	}
	s.instF, s.obsF = nil, nil
	return firstErr
}
