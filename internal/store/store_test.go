package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *fixedClock) {
	t.Helper()
	clock := &fixedClock{t: time.UnixMilli(1700000000000)}
	dir := filepath.Join(t.TempDir(), "data")
	return New(dir, zaptest.NewLogger(t), WithClock(clock.now)), clock
}

func TestSave_CreatesDirAndPrettyJSON(t *testing.T) {
	s, _ := newTestStore(t)

	name, err := s.Save(map[string]interface{}{"query": "CVE-2024-9143"}, "stackoverflow")
	require.NoError(t, err)
	assert.Equal(t, "stackoverflow-1700000000000.json", name)

	data, err := os.ReadFile(filepath.Join(s.Dir(), name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"query\": \"CVE-2024-9143\"")
}

func TestSave_SanitizesHint(t *testing.T) {
	s, _ := newTestStore(t)
	name, err := s.Save(struct{}{}, "../etc passwd")
	require.NoError(t, err)
	assert.Equal(t, ".._etc_passwd-1700000000000.json", name)
}

func TestPut_Overwrites(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put("batch-scraping-1.json", map[string]int{"v": 1}))
	require.NoError(t, s.Put("batch-scraping-1.json", map[string]int{"v": 2}))

	rec, err := s.Load("batch-scraping-1")
	require.NoError(t, err)
	var out map[string]int
	require.NoError(t, rec.Decode(&out))
	assert.Equal(t, 2, out["v"])

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoad_MostRecentWins(t *testing.T) {
	s, clock := newTestStore(t)

	_, err := s.Save(map[string]string{"v": "old"}, "snyk-CVE-2024-9143")
	require.NoError(t, err)
	clock.advance(5 * time.Second)
	newest, err := s.Save(map[string]string{"v": "new"}, "snyk-CVE-2024-9143")
	require.NoError(t, err)
	clock.advance(time.Second)
	_, err = s.Save(map[string]string{"v": "other"}, "snyk-CVE-2023-1234")
	require.NoError(t, err)

	rec, err := s.Load("CVE-2024-9143")
	require.NoError(t, err)
	assert.Equal(t, newest, rec.Name)

	var out map[string]string
	require.NoError(t, rec.Decode(&out))
	assert.Equal(t, "new", out["v"])
}

func TestLoad_IgnoresNonJSON(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := WriteFile(s.Dir(), "CVE-2024-9143-1.png", []byte("png"))
	require.NoError(t, err)

	_, err = s.Load("CVE-2024-9143")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoad_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Load("anything")
	assert.ErrorIs(t, err, ErrNotFound, "missing directory")

	_, err = s.Save(struct{}{}, "batch-scraping")
	require.NoError(t, err)
	_, err = s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Load("../secret")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteFile_PersistenceError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := WriteFile(filepath.Join(blocker, "sub"), "a.json", []byte("{}"))
	require.Error(t, err)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "mkdir", perr.Op)
}

func TestFilenameStamp(t *testing.T) {
	assert.Equal(t, int64(1700000000000), filenameStamp("snyk-CVE-2024-9143-1700000000000.json"))
	assert.Equal(t, int64(0), filenameStamp("notes.json"))
	assert.Equal(t, int64(0), filenameStamp("CVE-2024-abc.json"))
	assert.Equal(t, int64(0), filenameStamp("CVE-2024-9143.json"), "a CVE sequence is not a timestamp")
	assert.Equal(t, int64(0), filenameStamp("snyk-CVE-2024-999999999999.json"))
}

func TestLoad_UnstampedNameFallsBackToModTime(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := WriteFile(s.Dir(), "snyk-CVE-2024-9143-1700000000000.json", []byte(`{"v":"stamped"}`))
	require.NoError(t, err)
	path, err := WriteFile(s.Dir(), "CVE-2024-9143.json", []byte(`{"v":"manual"}`))
	require.NoError(t, err)
	later := time.UnixMilli(1700000005000)
	require.NoError(t, os.Chtimes(path, later, later))

	rec, err := s.Load("CVE-2024-9143")
	require.NoError(t, err)
	assert.Equal(t, "CVE-2024-9143.json", rec.Name)
}
