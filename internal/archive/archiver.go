// Package archive produces a directory tree as a tar stream, with an
// optional gzip layer. The stream is deterministic for an unchanged
// tree, so two passes over the same input yield identical bytes.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"backhaul/pkg/models"
)

// Options configure an Archiver.
type Options struct {
	Gzip           bool // wrap the tar stream in gzip
	SkipUnreadable bool // log and skip unreadable entries instead of aborting
	Logger         *slog.Logger
}

// Archiver walks a directory tree and emits it as a tar stream.
type Archiver struct {
	root string
	opts Options
	log  *slog.Logger
}

// New returns an Archiver rooted at root. The root is validated at
// Open time, not here.
func New(root string, opts Options) (*Archiver, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: source root is required", models.ErrInvalidConfig)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{root: root, opts: opts, log: log}, nil
}

// BaseName returns the archive file name for this run, derived from
// the root's base name and the run timestamp.
func (a *Archiver) BaseName(now time.Time) string {
	name := fmt.Sprintf("backup_%s_%s.tar",
		filepath.Base(filepath.Clean(a.root)), now.Format("20060102_150405"))
	if a.opts.Gzip {
		name += ".gz"
	}
	return name
}

// Open starts a fresh walk of the tree and returns the archive stream.
// A clean end of stream is io.EOF; walk and read failures are
// delivered through the reader. Closing the reader aborts the walk.
// The stream is not resumable; restarting means a new Open.
func (a *Archiver) Open(ctx context.Context) (io.ReadCloser, error) {
	info, err := os.Lstat(a.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnreadable, a.root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", models.ErrSourceUnreadable, a.root)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(a.produce(ctx, pw))
	}()
	return pr, nil
}

func (a *Archiver) produce(ctx context.Context, w io.Writer) error {
	var gz *gzip.Writer
	if a.opts.Gzip {
		gz = gzip.NewWriter(w)
		w = gz
	}
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, walkErr error) error {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: archiving %s", models.ErrCancelled, a.root)
		}
		if walkErr != nil {
			return a.unreadable(path, walkErr)
		}

		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", models.ErrSourceUnreadable, path, err)
		}
		if rel == "." {
			return nil
		}
		return a.writeEntry(tw, path, filepath.ToSlash(rel), d)
	})
	if err != nil {
		// No trailer on a failed walk: the reader must see the error,
		// not a stream that looks complete.
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) writeEntry(tw *tar.Writer, path, rel string, d fs.DirEntry) error {
	fi, err := d.Info()
	if err != nil {
		return a.unreadable(path, err)
	}

	var link string
	if fi.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return a.unreadable(path, err)
		}
	}

	switch {
	case fi.Mode().IsRegular(), fi.IsDir(), fi.Mode()&fs.ModeSymlink != 0:
	default:
		a.log.Debug("skipping irregular entry", "path", path, "mode", fi.Mode().String())
		return nil
	}

	// Open before the header goes out: once the header is written the
	// entry can no longer be skipped.
	var f *os.File
	if fi.Mode().IsRegular() {
		if f, err = os.Open(path); err != nil {
			return a.unreadable(path, err)
		}
		defer f.Close()
	}

	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return a.unreadable(path, err)
	}
	hdr.Name = rel
	if fi.IsDir() {
		hdr.Name += "/"
	}
	// Volatile fields are zeroed so an unchanged tree archives to
	// identical bytes.
	hdr.ModTime = fi.ModTime().Truncate(time.Second)
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	// Exactly hdr.Size bytes: a file that grew is cut at the promised
	// size, one that shrank or vanished aborts the stream.
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return fmt.Errorf("%w: %s changed during read: %v", models.ErrSourceUnreadable, path, err)
	}
	return nil
}

func (a *Archiver) unreadable(path string, err error) error {
	if a.opts.SkipUnreadable {
		a.log.Warn("skipping unreadable entry", "path", path, "error", err)
		return nil
	}
	return fmt.Errorf("%w: %s: %v", models.ErrSourceUnreadable, path, err)
}
