package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfiguration_NoFile(t *testing.T) {
	cfg, err := LoadConfiguration("")
	if err != nil {
		t.Fatalf("LoadConfiguration() with empty path error = %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadConfiguration() returned nil config")
	}
	if cfg.Version != 1 {
		t.Errorf("Default config version = %d, want 1", cfg.Version)
	}
	if cfg.Reader.TextWidth < 20 {
		t.Errorf("Default text width = %d, want a sane value", cfg.Reader.TextWidth)
	}
	if cfg.Library.Backend != "json" {
		t.Errorf("Default library backend = %q, want json", cfg.Library.Backend)
	}
	if !strings.Contains(cfg.Reader.TitleTemplate, "{{.Title}}") {
		t.Errorf("title template was expanded during processing: %q", cfg.Reader.TitleTemplate)
	}
}

func TestLoadConfiguration_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `version: 1
reader:
  text_width: 66
  double_spread: true
library:
  backend: sqlite
  path: ` + filepath.Join(tmpDir, "library.db") + `
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfiguration(configPath)
	if err != nil {
		t.Fatalf("LoadConfiguration() error = %v", err)
	}
	if cfg.Reader.TextWidth != 66 {
		t.Errorf("text_width = %d, want 66", cfg.Reader.TextWidth)
	}
	if !cfg.Reader.DoubleSpread {
		t.Error("double_spread not applied")
	}
	if cfg.Library.Backend != "sqlite" {
		t.Errorf("library backend = %q, want sqlite", cfg.Library.Backend)
	}
	// values absent from the file keep template defaults
	if cfg.Web.TimeoutSeconds != 30 {
		t.Errorf("web timeout = %d, want template default 30", cfg.Web.TimeoutSeconds)
	}
}

func TestLoadConfiguration_UnknownField(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("version: 1\nno_such_section:\n  value: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfiguration(configPath); err == nil {
		t.Fatal("unknown fields must be rejected")
	}
}

func TestLoadConfiguration_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cases := map[string]string{
		"bad version": "version: 2\n",
		"bad backend": "version: 1\nlibrary:\n  backend: scrolls\n  path: " + filepath.Join(tmpDir, "x") + "\n",
		"bad width":   "version: 1\nreader:\n  text_width: 5\n",
		"bad scheme":  "version: 1\nreader:\n  color_scheme: sepia\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfiguration(configPath); err == nil {
				t.Fatalf("configuration %q passed validation", content)
			}
		})
	}
}

func TestPrepareRoundTrips(t *testing.T) {
	data, err := Prepare()
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !strings.Contains(string(data), "text_width") {
		t.Error("prepared config is missing reader settings")
	}
	tmp := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfiguration(tmp); err != nil {
		t.Errorf("prepared configuration does not load back: %v", err)
	}
}
