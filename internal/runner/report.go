package runner

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-harness/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteReport encodes report as indented JSON.
func WriteReport(w io.Writer, report schemas.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// SaveReport writes report to path, creating parent directories. The file
// is replaced atomically so a reader never sees a partial report.
func SaveReport(path string, report schemas.RunReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteReport(tmp, report); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// ReadReport decodes a report written by WriteReport.
func ReadReport(r io.Reader) (schemas.RunReport, error) {
	var report schemas.RunReport
	if err := json.NewDecoder(r).Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}
