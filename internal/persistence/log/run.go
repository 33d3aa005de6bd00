package log

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"floodmesh.ai/internal/sim/cascade"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/model"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/scheduler"
	"floodmesh.ai/internal/sim/tuning"
)

// File names inside a run directory.
const (
	MessagesFile = "messages.jsonl.zst"
	SnapshotFile = "snapshots.jsonl.zst"
	CascadeFile  = "cascades.jsonl.zst"
	MetricsFile  = "metrics.json"
	ScenarioFile = "scenario.yaml"
	TuningFile   = "tuning.yaml"
)

// RunLogger writes the four outputs of a run into one directory: the message log, the
// per-tick snapshot log, the cascade event log and the final metrics record. It also keeps
// the effective scenario and tuning so a run can be replayed from its directory alone
// (plus the catalogues).
type RunLogger struct {
	dir       string
	messages  *JSONLZstdWriter
	snapshots *JSONLZstdWriter
	cascades  *JSONLZstdWriter
}

var (
	_ scheduler.Sink        = (*RunLogger)(nil)
	_ scheduler.SummarySink = (*RunLogger)(nil)
)

func NewRunLogger(dir string) (*RunLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &RunLogger{
		dir:       dir,
		messages:  NewJSONLZstdWriter(filepath.Join(dir, MessagesFile)),
		snapshots: NewJSONLZstdWriter(filepath.Join(dir, SnapshotFile)),
		cascades:  NewJSONLZstdWriter(filepath.Join(dir, CascadeFile)),
	}, nil
}

func (l *RunLogger) Dir() string { return l.dir }

// WriteConfig stores the effective scenario and tuning of the run.
func (l *RunLogger) WriteConfig(scn *scenario.Scenario, tun tuning.Tuning) error {
	if err := writeYAML(filepath.Join(l.dir, ScenarioFile), scn); err != nil {
		return fmt.Errorf("write scenario: %w", err)
	}
	if err := writeYAML(filepath.Join(l.dir, TuningFile), tun); err != nil {
		return fmt.Errorf("write tuning: %w", err)
	}
	return nil
}

func (l *RunLogger) WriteTick(rec scheduler.TickRecord) error {
	for _, d := range rec.Messages {
		if err := l.messages.Write(d); err != nil {
			return fmt.Errorf("messages: %w", err)
		}
	}
	for _, c := range rec.Cascade {
		if err := l.cascades.Write(c); err != nil {
			return fmt.Errorf("cascades: %w", err)
		}
	}
	if err := l.snapshots.Write(rec.Snapshot); err != nil {
		return fmt.Errorf("snapshots: %w", err)
	}
	return nil
}

func (l *RunLogger) WriteSummary(sum metrics.Summary) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.dir, MetricsFile), append(b, '\n'), 0o644)
}

func (l *RunLogger) Close() error {
	return errors.Join(l.messages.Close(), l.snapshots.Close(), l.cascades.Close())
}

func writeYAML(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadSnapshots loads the snapshot log of a run directory.
func ReadSnapshots(dir string) ([]metrics.TickSnapshot, error) {
	var out []metrics.TickSnapshot
	err := ReadJSONL(filepath.Join(dir, SnapshotFile), func(line []byte) error {
		var s metrics.TickSnapshot
		if err := json.Unmarshal(line, &s); err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// ReadMessages loads the message log of a run directory. A run that never sent an
// envelope has no message file and yields an empty slice.
func ReadMessages(dir string) ([]model.Delivery, error) {
	var out []model.Delivery
	err := ReadJSONL(filepath.Join(dir, MessagesFile), func(line []byte) error {
		var d model.Delivery
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

// ReadCascades loads the cascade event log of a run directory.
func ReadCascades(dir string) ([]cascade.Record, error) {
	var out []cascade.Record
	err := ReadJSONL(filepath.Join(dir, CascadeFile), func(line []byte) error {
		var r cascade.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

func ReadSummary(dir string) (metrics.Summary, error) {
	var sum metrics.Summary
	b, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	if err != nil {
		return sum, err
	}
	err = json.Unmarshal(b, &sum)
	return sum, err
}

// ReadConfig loads the scenario and tuning stored by WriteConfig.
func ReadConfig(dir string) (scenario.Scenario, tuning.Tuning, error) {
	scn, err := scenario.Load(filepath.Join(dir, ScenarioFile))
	if err != nil {
		return scn, tuning.Tuning{}, err
	}
	tun, err := tuning.Load(filepath.Join(dir, TuningFile))
	return scn, tun, err
}
