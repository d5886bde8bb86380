package multipart

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweeper removes spool files left behind by crashed or abandoned intakes.
// Successful requests clean up after themselves; the sweeper is the
// backstop. Run it under the server errgroup.
type Sweeper struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
	Log      *slog.Logger
}

// Run sweeps on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes spool files older than MaxAge. Only files with the spool
// prefix are touched; the directory may be shared.
func (s *Sweeper) sweep() {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		s.Log.Warn("spool sweep failed", "dir", s.Dir, "error", err)
		return
	}
	cutoff := time.Now().Add(-s.MaxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), spoolPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		s.Log.Debug("swept stale spool files", "dir", s.Dir, "removed", removed)
	}
}
