package split

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"backhaul/pkg/models"
)

const copyBufferSize = 256 * 1024

// Options configure a Writer.
type Options struct {
	Dir      string // staging directory for materialized parts
	BaseName string // archive base name the part names derive from
	PartSize int64  // maximum bytes per part
}

// Writer consumes a stream and materializes it as fixed-size part
// files. Parts are written to a .tmp path and renamed when complete,
// so a part-named file always holds exactly its final content. The
// stream length is discovered at EOF; Writer never buffers more than
// one copy block beyond the part being filled.
type Writer struct {
	r      io.Reader
	opts   Options
	buf    []byte
	index  int
	total  int64
	stream hash.Hash
	done   bool
}

// NewWriter returns a Writer that cuts r into parts per opts.
func NewWriter(r io.Reader, opts Options) (*Writer, error) {
	if opts.PartSize <= 0 {
		return nil, fmt.Errorf("%w: part size must be positive, got %d", models.ErrInvalidConfig, opts.PartSize)
	}
	if opts.Dir == "" || opts.BaseName == "" {
		return nil, fmt.Errorf("%w: staging directory and base name are required", models.ErrInvalidConfig)
	}
	return &Writer{
		r:      r,
		opts:   opts,
		buf:    make([]byte, copyBufferSize),
		stream: sha256.New(),
	}, nil
}

// Next fills and materializes the next part, returning its artifact.
// io.EOF signals that the stream is exhausted and no further parts
// exist. Source errors pass through as delivered by the reader; write
// failures are reported as destination errors and the temp file is
// removed.
func (w *Writer) Next(ctx context.Context) (models.PartArtifact, error) {
	if w.done {
		return models.PartArtifact{}, io.EOF
	}

	name := PartName(w.opts.BaseName, w.index)
	final := filepath.Join(w.opts.Dir, name)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return models.PartArtifact{}, fmt.Errorf("%w: create %s: %v", models.ErrDestinationUnwritable, tmp, err)
	}

	partHash := sha256.New()
	var written int64
	fail := func(ferr error) (models.PartArtifact, error) {
		f.Close()
		os.Remove(tmp)
		return models.PartArtifact{}, ferr
	}

	for written < w.opts.PartSize {
		if ctx.Err() != nil {
			return fail(fmt.Errorf("%w: filling part %d", models.ErrCancelled, w.index))
		}

		limit := w.opts.PartSize - written
		if limit > int64(len(w.buf)) {
			limit = int64(len(w.buf))
		}
		n, rerr := w.r.Read(w.buf[:limit])
		if n > 0 {
			if _, werr := f.Write(w.buf[:n]); werr != nil {
				return fail(fmt.Errorf("%w: write %s: %v", models.ErrDestinationUnwritable, tmp, werr))
			}
			partHash.Write(w.buf[:n])
			w.stream.Write(w.buf[:n])
			written += int64(n)
		}
		if rerr == io.EOF {
			w.done = true
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
	}

	if written == 0 {
		f.Close()
		os.Remove(tmp)
		return models.PartArtifact{}, io.EOF
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return models.PartArtifact{}, fmt.Errorf("%w: close %s: %v", models.ErrDestinationUnwritable, tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return models.PartArtifact{}, fmt.Errorf("%w: rename %s: %v", models.ErrDestinationUnwritable, final, err)
	}

	artifact := models.PartArtifact{
		Index:  w.index,
		Name:   name,
		Path:   final,
		Size:   written,
		SHA256: hex.EncodeToString(partHash.Sum(nil)),
	}
	w.index++
	w.total += written
	return artifact, nil
}

// Summary reports the bytes consumed and the whole-stream SHA-256
// accumulated so far. It is final once Next has returned io.EOF.
func (w *Writer) Summary() (int64, string) {
	return w.total, hex.EncodeToString(w.stream.Sum(nil))
}
