package migrations

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/voltlink/db/migrations"
)

func migrationSet(versions ...string) fstest.MapFS {
	files := fstest.MapFS{}
	for _, v := range versions {
		files[v+"_step.up.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
		files[v+"_step.down.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	}
	return files
}

func TestPlanListsPendingVersions(t *testing.T) {
	files, err := iofs.New(migrationSet("0001", "0002", "0005"), ".")
	require.NoError(t, err)
	defer files.Close()

	fresh, err := plan(files, 0, false)
	require.NoError(t, err)
	require.Equal(t, Status{Version: 0, Latest: 5, Pending: []uint{1, 2, 5}}, fresh)
	require.False(t, fresh.Current())

	partial, err := plan(files, 2, false)
	require.NoError(t, err)
	require.Equal(t, []uint{5}, partial.Pending)

	done, err := plan(files, 5, false)
	require.NoError(t, err)
	require.Empty(t, done.Pending)
	require.True(t, done.Current())

	dirty, err := plan(files, 5, true)
	require.NoError(t, err)
	require.False(t, dirty.Current(), "a dirty schema is never current")
}

func TestEmbeddedSetIsWellFormed(t *testing.T) {
	files, label, err := openSource(Source{FS: dbmigrations.Files})
	require.NoError(t, err)
	defer files.Close()
	require.Equal(t, "embedded", label)

	status, err := plan(files, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, status.Pending)
	require.Equal(t, status.Pending[len(status.Pending)-1], status.Latest)
	for _, v := range status.Pending {
		_, _, err := files.ReadDown(v)
		require.NoError(t, err, "migration %d has no down file", v)
	}
}

func TestOpenSourceDirectoryWinsOverFS(t *testing.T) {
	dir := t.TempDir()
	for name, file := range migrationSet("0003") {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), file.Data, 0o600))
	}
	files, label, err := openSource(Source{Dir: dir, FS: migrationSet("0001")})
	require.NoError(t, err)
	defer files.Close()

	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	require.Equal(t, abs, label)
	first, err := files.First()
	require.NoError(t, err)
	require.Equal(t, uint(3), first)
}

func TestOpenSourceRejectsBadInput(t *testing.T) {
	_, _, err := openSource(Source{})
	require.ErrorIs(t, err, errNoSource)

	_, _, err = openSource(Source{Dir: filepath.Join(t.TempDir(), "missing")})
	require.ErrorIs(t, err, fs.ErrNotExist)

	file := filepath.Join(t.TempDir(), "0001_step.up.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT 1;"), 0o600))
	_, _, err = openSource(Source{Dir: file})
	require.ErrorIs(t, err, errNotDirectory)
}

func TestFileURL(t *testing.T) {
	require.Equal(t, "file:///var/lib/voltlink/migrations", fileURL("/var/lib/voltlink/migrations"))
	require.Equal(t, "file:///C:/migrations", fileURL("C:/migrations"))
}

func TestDownRejectsNonPositiveSteps(t *testing.T) {
	for _, steps := range []int{0, -2} {
		_, err := Down(context.Background(), "postgresql://invalid", Source{FS: dbmigrations.Files}, steps, nil)
		require.ErrorIs(t, err, errInvalidSteps)
	}
}

func TestSourceIsCheckedBeforeConnecting(t *testing.T) {
	missing := Source{Dir: "does-not-exist"}
	_, err := Up(context.Background(), "postgresql://invalid", missing, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = Inspect(context.Background(), "postgresql://invalid", missing, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}
