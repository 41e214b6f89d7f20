package ispdb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, keep int) *snapshotStore {
	t.Helper()
	cfg := defaultConfig()
	cfg.CacheDir = t.TempDir()
	return &snapshotStore{
		dir:  cfg.cacheDir(),
		sets: datasets(cfg),
		keep: keep,
		log:  zap.NewNop(),
	}
}

func touch(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSnapshotStore_SaveLoad(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.prepare())

	snap := &Snapshot{Timestamp: 1700000000, ASOrganizations: []byte(testAutnums), PrefixASN: []byte(testRawTable)}
	require.NoError(t, s.save(snap))

	assert.ElementsMatch(t, []string{"ispdb_asn_isp_db_1700000000", "ispdb_ip_asn_db_1700000000"}, listDir(t, s.dir))

	ts, err := s.latest()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts)

	got, err := s.load(ts)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestSnapshotStore_LatestEmpty(t *testing.T) {
	s := newTestStore(t, 0)
	ts, err := s.latest()
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestSnapshotStore_LatestPicksNewestPair(t *testing.T) {
	s := newTestStore(t, 0)
	for _, ts := range []string{"999999999", "1700000000", "1600000000"} {
		touch(t, s.dir, asOrganizationsFilePrefix+ts, "")
		touch(t, s.dir, prefixASNFilePrefix+ts, "")
	}
	// Strays that share a prefix but are not snapshots.
	touch(t, s.dir, asOrganizationsFilePrefix+"1800000000.bak", "")
	touch(t, s.dir, "."+prefixASNFilePrefix+"1800000000.tmp123", "")
	touch(t, s.dir, prefixASNFilePrefix, "")
	touch(t, s.dir, "unrelated.txt", "")
	require.NoError(t, os.Mkdir(filepath.Join(s.dir, prefixASNFilePrefix+"1900000000"), 0755))

	ts, err := s.latest()
	require.NoError(t, err)
	// Numeric, not lexicographic: "999999999" sorts after "1700000000" as text.
	assert.Equal(t, int64(1700000000), ts)
}

func TestSnapshotStore_LatestMismatch(t *testing.T) {
	s := newTestStore(t, 0)
	touch(t, s.dir, asOrganizationsFilePrefix+"1700000000", "")
	touch(t, s.dir, prefixASNFilePrefix+"1700000000", "")
	// An interrupted refresh left only one half of a newer pair.
	touch(t, s.dir, asOrganizationsFilePrefix+"1700000100", "")

	ts, err := s.latest()
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestSnapshotStore_LatestOneDatasetMissing(t *testing.T) {
	s := newTestStore(t, 0)
	touch(t, s.dir, prefixASNFilePrefix+"1700000000", "")

	ts, err := s.latest()
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestSnapshotStore_UnreadableDirectory(t *testing.T) {
	s := newTestStore(t, 0)
	s.dir = filepath.Join(s.dir, "missing")

	_, err := s.latest()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheDirectory))

	var ce *CacheDirectoryError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "read", ce.Op)
}

func TestSnapshotStore_PrepareFailsOnFile(t *testing.T) {
	s := newTestStore(t, 0)
	file := filepath.Join(s.dir, "not-a-dir")
	touch(t, s.dir, "not-a-dir", "")
	s.dir = filepath.Join(file, "cache")

	err := s.prepare()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheDirectory))
}

func TestSnapshotStore_Prune(t *testing.T) {
	s := newTestStore(t, 2)
	for _, ts := range []int64{100, 200, 300, 400} {
		require.NoError(t, s.save(&Snapshot{Timestamp: ts}))
	}
	// An orphaned half pair counts against its own dataset only.
	touch(t, s.dir, asOrganizationsFilePrefix+"50", "")

	require.NoError(t, s.prune())
	assert.ElementsMatch(t, []string{
		asOrganizationsFilePrefix + "300", asOrganizationsFilePrefix + "400",
		prefixASNFilePrefix + "300", prefixASNFilePrefix + "400",
	}, listDir(t, s.dir))
}

func TestSnapshotStore_PruneKeepAll(t *testing.T) {
	s := newTestStore(t, 0)
	for _, ts := range []int64{100, 200, 300} {
		require.NoError(t, s.save(&Snapshot{Timestamp: ts}))
	}
	require.NoError(t, s.prune())
	assert.Len(t, listDir(t, s.dir), 6)
}

func TestSnapshotStore_SaveFailureLeavesNoHalfPair(t *testing.T) {
	s := newTestStore(t, 0)
	// A directory where the second file should go makes its rename fail.
	require.NoError(t, os.Mkdir(filepath.Join(s.dir, prefixASNFilePrefix+"1700000000"), 0755))
	touch(t, s.dir, filepath.Join(prefixASNFilePrefix+"1700000000", "blocker"), "")

	err := s.save(&Snapshot{Timestamp: 1700000000, ASOrganizations: []byte("a"), PrefixASN: []byte("b")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheDirectory))

	for _, name := range listDir(t, s.dir) {
		assert.False(t, strings.HasPrefix(name, asOrganizationsFilePrefix), "leftover %s", name)
		assert.False(t, strings.HasPrefix(name, "."), "leftover temp file %s", name)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")

	require.NoError(t, writeFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, writeFileAtomic(path, []byte("second"), 0644))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))
	assert.Equal(t, []string{"data"}, listDir(t, dir))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())
}
