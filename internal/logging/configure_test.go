package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
)

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Configure(Config{Level: "WARN", Format: "json"}, &buf); err != nil {
		t.Fatalf("Configure error: %v", err)
	}

	log.Info().Msg("hidden")
	log.Warn().Str("evt.name", "test.warn").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected info to be filtered, got %s", out)
	}
	if !strings.Contains(out, `"evt.name":"test.warn"`) {
		t.Fatalf("expected structured warn line, got %s", out)
	}
}

func TestConfigureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "veille.log")
	var buf bytes.Buffer
	closer, err := Configure(Config{Format: "json", File: path}, &buf)
	if err != nil {
		t.Fatalf("Configure error: %v", err)
	}
	log.Info().Msg("to file")
	if closer == nil {
		t.Fatalf("expected file closer")
	}
	_ = closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("expected log line in file, got %s", data)
	}
}

func TestConfigureRejectsBadValues(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Configure(Config{Level: "loud"}, &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := Configure(Config{Format: "xml"}, &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
