//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that only writes to the log rotator, if present.
// Stdout is left to the interactive prompts.
const LoggingType = LogTypeDefault

// Write writes the provided byte slice to the log rotator pipe, if set.
func (w *LogWriter) Write(b []byte) (int, error) {
	if w.RotatorPipe != nil {
		return w.RotatorPipe.Write(b)
	}

	return len(b), nil
}
