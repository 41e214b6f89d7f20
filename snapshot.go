package ispdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Snapshot is one persisted pair of raw datasets.
type Snapshot struct {
	Timestamp       int64 // Unix seconds of the refresh that fetched the data
	ASOrganizations []byte
	PrefixASN       []byte
}

// snapshotStore persists snapshots as plain byte dumps named
// <prefix><timestamp>. Both files of one snapshot share the timestamp,
// which is what pairs them.
type snapshotStore struct {
	dir  string
	sets [2]Dataset
	keep int
	log  *zap.Logger
}

// prepare creates the cache directory if needed.
func (s *snapshotStore) prepare() error {
	// 0755/0644, as for any cache another user must not be able to replace.
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return &CacheDirectoryError{Path: s.dir, Op: "create", Err: err}
	}
	return nil
}

func (s *snapshotStore) fileName(ds Dataset, ts int64) string {
	return ds.FilePrefix + strconv.FormatInt(ts, 10)
}

// timestamps lists the snapshot timestamps present for each dataset, newest
// first. Names with a non-numeric suffix (temp files, strays) are ignored.
func (s *snapshotStore) timestamps() ([2][]int64, error) {
	var out [2][]int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return out, &CacheDirectoryError{Path: s.dir, Op: "read", Err: err}
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for i, ds := range s.sets {
			suffix, ok := strings.CutPrefix(e.Name(), ds.FilePrefix)
			if !ok || suffix == "" || strings.TrimLeft(suffix, "0123456789") != "" {
				continue
			}
			ts, err := strconv.ParseInt(suffix, 10, 64)
			if err != nil {
				continue
			}
			out[i] = append(out[i], ts)
		}
	}
	for i := range out {
		slices.Sort(out[i])
		slices.Reverse(out[i])
	}
	return out, nil
}

// latest returns the timestamp of the newest valid snapshot, or 0 if there
// is none. The newest file of each dataset must carry the same timestamp;
// a mismatch means an earlier refresh was interrupted halfway and the cache
// is treated as empty.
func (s *snapshotStore) latest() (int64, error) {
	all, err := s.timestamps()
	if err != nil {
		return 0, err
	}
	var newest [2]int64
	for i := range all {
		if len(all[i]) > 0 {
			newest[i] = all[i][0]
		}
	}
	if newest[0] != newest[1] {
		s.log.Warn("snapshot timestamps do not match, ignoring cache",
			zap.String("dir", s.dir),
			zap.Int64(string(s.sets[0].ID), newest[0]),
			zap.Int64(string(s.sets[1].ID), newest[1]))
		return 0, nil
	}
	return newest[0], nil
}

// load reads the snapshot with timestamp ts.
func (s *snapshotStore) load(ts int64) (*Snapshot, error) {
	var raw [2][]byte
	for i, ds := range s.sets {
		b, err := os.ReadFile(filepath.Join(s.dir, s.fileName(ds, ts)))
		if err != nil {
			return nil, &CacheDirectoryError{Path: s.dir, Op: "read", Err: err}
		}
		raw[i] = b
	}
	return &Snapshot{Timestamp: ts, ASOrganizations: raw[0], PrefixASN: raw[1]}, nil
}

// save writes both files of snap. Each file is replaced atomically; if the
// second write fails the first file is removed again so no half pair
// survives.
func (s *snapshotStore) save(snap *Snapshot) error {
	raw := [2][]byte{snap.ASOrganizations, snap.PrefixASN}
	var written []string
	for i, ds := range s.sets {
		path := filepath.Join(s.dir, s.fileName(ds, snap.Timestamp))
		if err := writeFileAtomic(path, raw[i], 0644); err != nil {
			for _, p := range written {
				os.Remove(p) // best-effort rollback
			}
			return &CacheDirectoryError{Path: s.dir, Op: "write", Err: err}
		}
		written = append(written, path)
	}
	return nil
}

// prune removes all but the newest s.keep snapshots of each dataset.
func (s *snapshotStore) prune() error {
	if s.keep <= 0 {
		return nil
	}
	all, err := s.timestamps()
	if err != nil {
		return err
	}
	var errs []error
	for i, ds := range s.sets {
		if len(all[i]) <= s.keep {
			continue
		}
		for _, ts := range all[i][s.keep:] {
			name := s.fileName(ds, ts)
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			s.log.Debug("removed old snapshot", zap.String("file", name))
		}
	}
	if len(errs) > 0 {
		return &CacheDirectoryError{Path: s.dir, Op: "prune", Err: errors.Join(errs...)}
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file. The temp
// name does not start with a snapshot prefix.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir, name := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+name+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath) // best-effort cleanup of partial file
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	success = true
	return nil
}
