package cmd

import (
	"os"
)

// CrashWriter appends to a file on every Write, so a panic's stack
// trace can be captured even from a daemonized worker whose stderr
// isn't attached to a terminal.
type CrashWriter struct {
	fileName string
}

func (w *CrashWriter) Write(p []byte) (n int, err error) {
	f, err := os.OpenFile(w.fileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	n, err = f.Write(p)

	return
}
