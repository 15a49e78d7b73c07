package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/andrej220/vwt/pkg/metrics"
	shared "github.com/andrej220/vwt/pkg/shared-models"
	"github.com/andrej220/vwt/pkg/traffic"
	"github.com/google/uuid"
)

// Run is the stored record of one invocation: either a per-host result map or a
// traffic report.
type Run struct {
	ID         string                            `json:"id"`
	Operation  shared.Operation                  `json:"operation"`
	StartedAt  time.Time                         `json:"started_at"`
	FinishedAt time.Time                         `json:"finished_at"`
	Results    map[string]shared.OperationResult `json:"results,omitempty"`
	Traffic    *traffic.Report                   `json:"traffic,omitempty"`
}

func NewRun(op shared.Operation, started time.Time) Run {
	return Run{ID: uuid.NewString(), Operation: op, StartedAt: started}
}

// Failed counts failed hosts, or failed pairs for traffic runs.
func (r Run) Failed() int {
	if r.Traffic != nil {
		return r.Traffic.Failed()
	}
	n := 0
	for _, res := range r.Results {
		if !res.Success {
			n++
		}
	}
	return n
}

func (r Run) Record(c *metrics.Collector) {
	if r.Traffic != nil {
		c.RecordTraffic(*r.Traffic)
		return
	}
	c.RecordAll(r.Results)
}

// FileName is where SaveRun stores r inside a results directory.
func (r Run) FileName() string {
	return fmt.Sprintf("%s_%s_%s.json", r.Operation, r.StartedAt.UTC().Format("20060102T150405"), strings.SplitN(r.ID, "-", 2)[0])
}

// SaveRun writes r as JSON into dir and returns the file path.
func SaveRun(dir string, r Run) (string, error) {
	path := filepath.Join(dir, r.FileName())
	if err := WriteJSON(r, path); err != nil {
		return "", err
	}
	return path, nil
}

// LoadRuns reads every stored run in dir, oldest first. Files that are not runs
// are skipped.
func LoadRuns(dir string) ([]Run, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	var runs []Run
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		var r Run
		if err := json.Unmarshal(b, &r); err != nil || r.ID == "" || r.Operation == "" {
			continue
		}
		runs = append(runs, r)
	}
	slices.SortStableFunc(runs, func(a, b Run) int { return a.StartedAt.Compare(b.StartedAt) })
	return runs, nil
}

// Aggregate feeds runs into a new Collector.
func Aggregate(runs []Run) *metrics.Collector {
	c := metrics.NewCollector()
	for _, r := range runs {
		r.Record(c)
	}
	return c
}
