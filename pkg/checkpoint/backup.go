package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	errs "reconpipe/pkg/errors"
)

// DefaultMaxBackups is how many backups CleanupBackups keeps by default
const DefaultMaxBackups = 5

const backupTimeLayout = "20060102-150405.000000000"

// backupName matches scan_state_<timestamp>.json siblings
var backupName = regexp.MustCompile(`^scan_state_\d{8}-\d{6}\.\d{9}\.json$`)

// Backup copies the checkpoint to a timestamped sibling and returns its
// path. It returns "" when there is no checkpoint to copy.
func (s *Store) Backup() (string, error) {
	var path string
	err := s.withLock("backup", func() error {
		var err error
		path, err = s.backupLocked()
		return err
	})
	if errs.TypeOf(err) == errs.ErrorTypeNotFound {
		return "", nil
	}
	return path, err
}

func (s *Store) backupLocked() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrap(errs.ErrorTypeUnknown, "backup", err)
	}

	dir := filepath.Dir(s.path)
	stamp := s.now().Format(backupTimeLayout)
	path := filepath.Join(dir, fmt.Sprintf("scan_state_%s.json", stamp))
	for i := 1; fileExists(path); i++ {
		// Two backups within the same nanosecond on a coarse clock
		path = filepath.Join(dir, fmt.Sprintf("scan_state_%s.json", s.now().Add(time.Duration(i)).Format(backupTimeLayout)))
	}

	if err := writeFileAtomic(path, data); err != nil {
		return "", errs.Wrap(errs.ErrorTypeUnknown, "backup", err)
	}
	s.logger.WithField("backup", path).Debug("Checkpoint backed up")
	return path, nil
}

// ListBackups returns backup paths, newest first
func (s *Store) ListBackups() ([]string, error) {
	dir := filepath.Dir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backups []string
	for _, e := range entries {
		if !e.IsDir() && backupName.MatchString(e.Name()) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}
	// The timestamp layout sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

// CleanupBackups deletes all but the newest keep backups and returns the
// removed paths. The live checkpoint is never touched.
func (s *Store) CleanupBackups(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}

	var removed []string
	err := s.withLock("cleanup", func() error {
		backups, err := s.ListBackups()
		if err != nil {
			return err
		}
		if len(backups) <= keep {
			return nil
		}

		var failures []string
		for _, path := range backups[keep:] {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				failures = append(failures, err.Error())
				continue
			}
			removed = append(removed, path)
		}
		if len(failures) > 0 {
			return fmt.Errorf("failed to remove %d backup(s): %s", len(failures), strings.Join(failures, "; "))
		}
		return nil
	})
	if errs.TypeOf(err) == errs.ErrorTypeNotFound {
		return nil, nil
	}

	if len(removed) > 0 {
		s.logger.InfoWithFields("Old checkpoint backups removed", map[string]interface{}{
			"removed": len(removed),
			"kept":    keep,
		})
	}
	return removed, err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
