package lifecycle

import (
	"fmt"
	"os"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SanitizeResult describes what SanitizeNotebook rewrote.
type SanitizeResult struct {
	DuplicateIDs  int
	CellTypeFixes int
	Rewritten     bool
}

// Changed reports whether any cell was repaired.
func (r SanitizeResult) Changed() bool {
	return r.DuplicateIDs > 0 || r.CellTypeFixes > 0
}

// SanitizeNotebook repairs the corruption classes that break the grading
// engine: repeated cell ids and cells whose type no longer matches the type
// recorded in their grading metadata. The file is only rewritten when a repair
// was made, so a clean notebook is left byte-identical.
func SanitizeNotebook(path string) (SanitizeResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SanitizeResult{}, fmt.Errorf("read notebook: %w", err)
	}
	fixed, result, err := sanitize(data)
	if err != nil {
		return result, fmt.Errorf("sanitize %s: %w", path, err)
	}
	if !result.Changed() {
		return result, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return result, fmt.Errorf("stat notebook: %w", err)
	}
	if err := os.WriteFile(path, fixed, info.Mode().Perm()); err != nil {
		return result, fmt.Errorf("write notebook: %w", err)
	}
	result.Rewritten = true
	return result, nil
}

func sanitize(data []byte) ([]byte, SanitizeResult, error) {
	var result SanitizeResult
	if !gjson.ValidBytes(data) {
		return nil, result, fmt.Errorf("notebook is not valid json")
	}
	cells := gjson.GetBytes(data, "cells").Array()

	used := make(map[string]bool, len(cells))
	for _, cell := range cells {
		if id := cell.Get("id").String(); id != "" {
			used[id] = true
		}
	}
	seen := make(map[string]bool, len(cells))
	var err error
	for i, cell := range cells {
		prefix := "cells." + strconv.Itoa(i)

		if id := cell.Get("id").String(); id != "" {
			if seen[id] {
				fresh := uniqueID(id, used)
				used[fresh] = true
				if data, err = sjson.SetBytes(data, prefix+".id", fresh); err != nil {
					return nil, result, err
				}
				result.DuplicateIDs++
			}
			seen[id] = true
		}

		want := cell.Get("metadata.nbgrader.cell_type").String()
		have := cell.Get("cell_type").String()
		if want == "" || want == have {
			continue
		}
		if data, err = retype(data, prefix, want); err != nil {
			return nil, result, err
		}
		result.CellTypeFixes++
	}
	return data, result, nil
}

func uniqueID(id string, used map[string]bool) string {
	for n := 1; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if !used[candidate] {
			return candidate
		}
	}
}

// retype restores a cell's type and the fields that type requires.
func retype(data []byte, prefix string, cellType string) ([]byte, error) {
	data, err := sjson.SetBytes(data, prefix+".cell_type", cellType)
	if err != nil {
		return nil, err
	}
	if cellType == "code" {
		if !gjson.GetBytes(data, prefix+".outputs").Exists() {
			if data, err = sjson.SetRawBytes(data, prefix+".outputs", []byte("[]")); err != nil {
				return nil, err
			}
		}
		if !gjson.GetBytes(data, prefix+".execution_count").Exists() {
			if data, err = sjson.SetRawBytes(data, prefix+".execution_count", []byte("null")); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
	if data, err = sjson.DeleteBytes(data, prefix+".outputs"); err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(data, prefix+".execution_count")
}
