package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

func writeNotebook(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worksheet_01.ipynb")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write notebook: %v", err)
	}
	return path
}

func readNotebook(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read notebook: %v", err)
	}
	return data
}

func TestSanitizeNotebook_DuplicateIDs(t *testing.T) {
	path := writeNotebook(t, `{"cells":[
		{"id":"a","cell_type":"markdown","metadata":{},"source":""},
		{"id":"a","cell_type":"markdown","metadata":{},"source":""},
		{"id":"a-1","cell_type":"markdown","metadata":{},"source":""}
	]}`)
	res, err := SanitizeNotebook(path)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if res.DuplicateIDs != 1 || !res.Rewritten {
		t.Fatalf("result = %+v, want one duplicate rewritten", res)
	}
	ids := gjson.GetBytes(readNotebook(t, path), "cells.#.id").Array()
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id.String()] {
			t.Fatalf("id %q still duplicated", id.String())
		}
		seen[id.String()] = true
	}
}

func TestSanitizeNotebook_CellTypeMismatch(t *testing.T) {
	path := writeNotebook(t, `{"cells":[
		{"id":"q1","cell_type":"markdown","metadata":{"nbgrader":{"cell_type":"code","grade":true}},"source":"answer"},
		{"id":"q2","cell_type":"code","metadata":{"nbgrader":{"cell_type":"markdown"}},"outputs":[],"execution_count":3,"source":"text"}
	]}`)
	res, err := SanitizeNotebook(path)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if res.CellTypeFixes != 2 {
		t.Fatalf("cell type fixes = %d, want 2", res.CellTypeFixes)
	}
	data := readNotebook(t, path)
	if got := gjson.GetBytes(data, "cells.0.cell_type").String(); got != "code" {
		t.Fatalf("cell 0 type = %q, want code", got)
	}
	if !gjson.GetBytes(data, "cells.0.outputs").IsArray() {
		t.Fatal("restored code cell has no outputs")
	}
	if got := gjson.GetBytes(data, "cells.1.cell_type").String(); got != "markdown" {
		t.Fatalf("cell 1 type = %q, want markdown", got)
	}
	if gjson.GetBytes(data, "cells.1.execution_count").Exists() {
		t.Fatal("markdown cell kept execution_count")
	}
}

func TestSanitizeNotebook_CleanUntouched(t *testing.T) {
	path := writeNotebook(t, notebook)
	res, err := SanitizeNotebook(path)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if res.Changed() || res.Rewritten {
		t.Fatalf("result = %+v, want no change", res)
	}
	if got := string(readNotebook(t, path)); got != notebook {
		t.Fatalf("clean notebook rewritten: %s", got)
	}
}

func TestSanitizeNotebook_Idempotent(t *testing.T) {
	path := writeNotebook(t, `{"cells":[{"id":"x","cell_type":"code","metadata":{},"outputs":[],"source":""},{"id":"x","cell_type":"code","metadata":{},"outputs":[],"source":""}]}`)
	if _, err := SanitizeNotebook(path); err != nil {
		t.Fatalf("first sanitize: %v", err)
	}
	first := string(readNotebook(t, path))
	res, err := SanitizeNotebook(path)
	if err != nil {
		t.Fatalf("second sanitize: %v", err)
	}
	if res.Changed() || string(readNotebook(t, path)) != first {
		t.Fatalf("second pass changed the notebook: %+v", res)
	}
}

func TestSanitizeNotebook_InvalidJSON(t *testing.T) {
	path := writeNotebook(t, "{not json")
	if _, err := SanitizeNotebook(path); err == nil {
		t.Fatal("expected error for invalid notebook")
	}
}
