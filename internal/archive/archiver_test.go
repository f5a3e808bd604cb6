package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backhaul/pkg/models"
)

func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), bytes.Repeat([]byte{0xAB}, 100*1024), 0o600))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))

	stamp := time.Date(2026, 8, 21, 9, 30, 0, 123456789, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), stamp, stamp))
	return root
}

func readAll(t *testing.T, a *Archiver) []byte {
	t.Helper()
	rc, err := a.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestArchiverDeterministicAcrossPasses(t *testing.T) {
	root := buildTree(t)

	for _, gz := range []bool{false, true} {
		name := "tar"
		if gz {
			name = "tar.gz"
		}
		t.Run(name, func(t *testing.T) {
			a, err := New(root, Options{Gzip: gz})
			require.NoError(t, err)

			first := readAll(t, a)
			second := readAll(t, a)
			require.NotEmpty(t, first)
			assert.True(t, bytes.Equal(first, second), "unchanged tree must archive to identical bytes")
		})
	}
}

func TestArchiverEntries(t *testing.T) {
	root := buildTree(t)
	a, err := New(root, Options{})
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(readAll(t, a)))

	var names []string
	contents := map[string][]byte{}
	headers := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		headers[hdr.Name] = hdr
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = data
		}
	}

	assert.Equal(t, []string{"a.txt", "link", "sub/", "sub/b.bin"}, names, "entries follow lexical walk order")
	assert.Equal(t, []byte("alpha"), contents["a.txt"])
	assert.Len(t, contents["sub/b.bin"], 100*1024)

	link := headers["link"]
	require.NotNil(t, link)
	assert.Equal(t, byte(tar.TypeSymlink), link.Typeflag)
	assert.Equal(t, "a.txt", link.Linkname, "symlink target is preserved, not followed")

	atxt := headers["a.txt"]
	require.NotNil(t, atxt)
	assert.Zero(t, atxt.ModTime.Nanosecond(), "mtime is truncated to seconds")
	assert.True(t, atxt.AccessTime.IsZero())
	assert.True(t, atxt.ChangeTime.IsZero())
}

func TestArchiverGzipStream(t *testing.T) {
	root := buildTree(t)

	plain, err := New(root, Options{})
	require.NoError(t, err)
	compressed, err := New(root, Options{Gzip: true})
	require.NoError(t, err)

	gzData := readAll(t, compressed)
	zr, err := gzip.NewReader(bytes.NewReader(gzData))
	require.NoError(t, err)
	inflated, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.NoError(t, zr.Close())

	assert.True(t, bytes.Equal(readAll(t, plain), inflated), "gzip layer must wrap the same tar bytes")
}

func TestArchiverMissingRoot(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "absent"), Options{})
	require.NoError(t, err)

	_, err = a.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreadable)
}

func TestArchiverRootIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	a, err := New(path, Options{})
	require.NoError(t, err)

	_, err = a.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreadable)
}

func TestArchiverEmptyRootName(t *testing.T) {
	_, err := New("", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestArchiverUnreadableEntryAbortsStream(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, permission checks are bypassed")
	}
	root := buildTree(t)
	require.NoError(t, os.Chmod(filepath.Join(root, "a.txt"), 0o000))

	a, err := New(root, Options{})
	require.NoError(t, err)

	rc, err := a.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSourceUnreadable)
}

func TestArchiverSkipUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root, permission checks are bypassed")
	}
	root := buildTree(t)
	require.NoError(t, os.Chmod(filepath.Join(root, "a.txt"), 0o000))

	a, err := New(root, Options{SkipUnreadable: true})
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(readAll(t, a)))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.NotContains(t, names, "a.txt", "unreadable entry is skipped")
	assert.Contains(t, names, "sub/b.bin", "the rest of the tree still archives")
}

func TestArchiverCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := New(buildTree(t), Options{})
	require.NoError(t, err)

	rc, err := a.Open(ctx)
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)
}

func TestArchiverBaseName(t *testing.T) {
	now := time.Date(2026, 8, 21, 9, 30, 0, 0, time.UTC)

	a, err := New("/var/www", Options{})
	require.NoError(t, err)
	assert.Equal(t, "backup_www_20260821_093000.tar", a.BaseName(now))

	az, err := New("/var/www/", Options{Gzip: true})
	require.NoError(t, err)
	assert.Equal(t, "backup_www_20260821_093000.tar.gz", az.BaseName(now))
}
