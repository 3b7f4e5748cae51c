package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/Faultbox/blastgo/internal/config"
)

// SplitRecord is one row of splits.csv.
type SplitRecord struct {
	Step      int    `csv:"step"`
	Family    int    `csv:"family"`
	Actor     string `csv:"actor"`
	NewActors int    `csv:"new_actors"`
	Visible   int    `csv:"visible_chunks"` // summed over the new actors
	Live      int    `csv:"live_actors"`    // in the family after the split
}

// OutputManager writes perf.csv and splits.csv into a directory. A nil
// OutputManager discards everything, so callers need not check whether output
// is enabled.
type OutputManager struct {
	dir        string
	perfFile   *os.File
	splitsFile *os.File

	perfHeaderWritten   bool
	splitsHeaderWritten bool
}

// NewOutputManager creates dir and the CSV files in it. It returns nil when
// dir is empty.
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	f, err := os.Create(filepath.Join(dir, "perf.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating perf.csv: %w", err)
	}
	om.perfFile = f

	f, err = os.Create(filepath.Join(dir, "splits.csv"))
	if err != nil {
		om.perfFile.Close()
		return nil, fmt.Errorf("creating splits.csv: %w", err)
	}
	om.splitsFile = f

	return om, nil
}

// WriteConfig saves the run configuration next to the CSVs.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.SaveTo(filepath.Join(om.dir, "config.yaml"))
}

// WritePerf appends a row to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, shot int) error {
	if om == nil {
		return nil
	}
	records := []PerfStatsCSV{stats.ToCSV(shot)}
	if err := writeRows(records, om.perfFile, &om.perfHeaderWritten); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// WriteSplits appends rows to splits.csv.
func (om *OutputManager) WriteSplits(records []SplitRecord) error {
	if om == nil || len(records) == 0 {
		return nil
	}
	if err := writeRows(records, om.splitsFile, &om.splitsHeaderWritten); err != nil {
		return fmt.Errorf("writing splits: %w", err)
	}
	return nil
}

// writeRows writes the header with the first batch only.
func writeRows(records any, f *os.File, headerWritten *bool) error {
	if !*headerWritten {
		if err := gocsv.Marshal(records, f); err != nil {
			return err
		}
		*headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, f)
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}
	var firstErr error
	for _, f := range []*os.File{om.perfFile, om.splitsFile} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
