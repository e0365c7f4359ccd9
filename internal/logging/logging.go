// Package logging configures the process-wide apex logger for the CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// Init installs a compact handler writing to stderr at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func Init(level string) {
	log.SetHandler(NewHandler(os.Stderr))
	if err := SetLevel(level); err != nil {
		log.SetLevel(log.InfoLevel)
	}
}

// SetLevel parses and applies a level name.
func SetLevel(level string) error {
	if level == "" {
		level = "info"
	}
	l, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	log.SetLevel(l)
	return nil
}

// Handler writes one line per entry: time, level initial, message, fields.
type Handler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewHandler returns a handler writing to w.
func NewHandler(w io.Writer) *Handler {
	return &Handler{w: w}
}

// HandleLog implements log.Handler.
func (h *Handler) HandleLog(e *log.Entry) error {
	names := e.Fields.Names()
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %.1s %s", e.Timestamp.Format(time.TimeOnly), strings.ToUpper(e.Level.String()), e.Message)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%v", name, e.Fields.Get(name))
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}
