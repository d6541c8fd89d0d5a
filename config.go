package internalblue

import "time"

// Config collects the configuration knobs spec.md §6 enumerates.
type Config struct {
	// QueueSize bounds the primary and secondary receive queues.
	QueueSize int

	// CaptureLogPath, if non-empty, receives a byte-for-byte snoop-v1
	// capture mirroring everything read from the snoop socket.
	CaptureLogPath string

	// LogLevel is one of "critical", "error", "warning", "notice",
	// "info" (default), "debug".
	LogLevel string

	// AssemblerFix enables the toolchain version check of the LMP
	// monitor's hook assembler: warnings about an old or unidentifiable
	// assembler are logged. It does not gate toolchain discovery; the
	// PATH search for the assembler and objcopy runs either way.
	AssemblerFix bool

	// BridgeBinary is the external port-forwarding tool's executable
	// name or path. Empty selects the default ("bridge").
	BridgeBinary string

	// CommandTimeout is the default per-command deadline used by the
	// high-level memory-access helpers; individual calls may override it.
	CommandTimeout time.Duration
}

// DefaultConfig returns the configuration spec.md §6 lists as defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      1000,
		LogLevel:       "info",
		AssemblerFix:   true,
		CommandTimeout: 2 * time.Second,
	}
}
