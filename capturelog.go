package internalblue

import (
	"fmt"
	"os"
)

// openCaptureLog creates (or truncates) the capture log file at path. The
// resulting file is a drop-in snoop-v1 capture once the session writes
// the header and records to it (spec.md §6).
func openCaptureLog(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("internalblue: create capture log %q: %w", path, err)
	}
	return f, nil
}
