package prober

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vhostlab/hostmatrix/internal/domain/sequence"
)

// Input file names inside the run's imports directory. The run creator
// stages these before publishing the run request.
const (
	importURLs        = "urls.txt"
	importHosts       = "fqdns.txt"
	importDirectories = "directories.txt"
	importSequence    = "sequence.jsonl"
)

type standardInputs struct {
	URLs        []string
	Hosts       []string
	Directories []string
}

// readStandardInputs loads the staged input lists. URLs are mandatory; the
// Host and directory lists are optional.
func (r *Runner) readStandardInputs(runID int64) (*standardInputs, error) {
	urls, err := r.store.ReadImport(runID, importURLs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", importURLs, err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("run %d has no target URLs", runID)
	}

	hosts, err := r.store.ReadImport(runID, importHosts)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", importHosts, err)
	}
	dirs, err := r.store.ReadImport(runID, importDirectories)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", importDirectories, err)
	}

	return &standardInputs{URLs: urls, Hosts: hosts, Directories: dirs}, nil
}

// readSequenceInputs loads the ordered pair definitions, one JSON object per
// line.
func (r *Runner) readSequenceInputs(runID int64) ([]sequence.RequestDef, error) {
	lines, err := r.store.ReadImport(runID, importSequence)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", importSequence, err)
	}
	defs := make([]sequence.RequestDef, 0, len(lines))
	for i, line := range lines {
		var def sequence.RequestDef
		if err := json.Unmarshal([]byte(line), &def); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", importSequence, i+1, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
