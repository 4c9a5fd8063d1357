// Package pidfile writes and removes the daemon-mode PID file of spec.md
// §10.3, grounded on original_source/trunk/rdvserver/campagnol_rdv.c's
// create_pidfile/remove_pidfile (unlink-then-O_CREAT|O_EXCL-ish write,
// removed via atexit).
package pidfile

import (
	"fmt"
	"os"
)

// Write creates path containing the current process's PID, truncating any
// existing file the way the original unlinks then recreates it. An empty
// path is a no-op, matching the original's "pidfile with length 0 disables
// pidfile writing" behavior.
func Write(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove stale %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("pidfile: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return nil
}

// Remove deletes path, ignoring a missing file. Callers defer this (or run
// it at exit), mirroring the original's atexit(remove_pidfile).
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: remove %s: %w", path, err)
	}
	return nil
}
