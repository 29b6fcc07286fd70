package stdoutwriter

import (
	"fmt"
	"os"
	"sync"
)

// Logger writes each log line to the standard output.
type Logger struct {
	mux sync.Mutex
}

func (l *Logger) Write(p []byte) (n int, err error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	if _, err := fmt.Fprintln(os.Stdout, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
