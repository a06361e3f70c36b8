package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type yamlTestConfig struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	var cfg yamlTestConfig
	if err := LoadYAML(writeYAML(t, "name: stat\nitems: [a, b]\n"), &cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "stat" || len(cfg.Items) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadYAMLRejectsUnknownKeys(t *testing.T) {
	var cfg yamlTestConfig
	err := LoadYAML(writeYAML(t, "name: stat\nitesm: [a]\n"), &cfg)
	if err == nil || !strings.Contains(err.Error(), "itesm") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoadYAMLEmpty(t *testing.T) {
	var cfg yamlTestConfig
	if err := LoadYAML(writeYAML(t, ""), &cfg); err == nil {
		t.Fatal("expected empty file error")
	}
}
