// Package restore rebuilds an archive from staged parts and checks
// staged parts against the manifest that describes them.
package restore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"backhaul/internal/manifest"
	"backhaul/pkg/models"
	"backhaul/pkg/progress"
)

// Engine operates on one staging directory and the manifest that
// describes its parts.
type Engine struct {
	stagingDir string
	man        *manifest.Manifest
	log        *slog.Logger
}

// NewEngine loads the manifest for stagingDir. An explicit manifest
// path wins; otherwise the newest manifest in the directory is used.
func NewEngine(stagingDir, manifestPath string, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	var man *manifest.Manifest
	var err error
	if manifestPath != "" {
		man, err = manifest.Load(manifestPath)
	} else {
		man, _, err = manifest.FindLatest(stagingDir)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load manifest: %v", models.ErrSourceUnreadable, err)
	}

	return &Engine{stagingDir: stagingDir, man: man, log: log}, nil
}

// Manifest exposes the loaded manifest.
func (e *Engine) Manifest() *manifest.Manifest { return e.man }

// Validate checks every staged part against the manifest.
func (e *Engine) Validate() error {
	issues := manifest.Verify(e.man, e.stagingDir)
	for _, issue := range issues {
		e.log.Error("verification issue", "issue", issue)
	}
	if len(issues) > 0 {
		return fmt.Errorf("%w: %d of %d parts failed verification",
			models.ErrSourceUnreadable, len(issues), len(e.man.Parts))
	}
	e.log.Info("parts verified", "parts", len(e.man.Parts))
	return nil
}

// Reassemble concatenates the parts in index order into outPath,
// verifying each part digest and the whole-stream digest. The output
// lands under a temp name first so outPath never holds a bad archive.
func (e *Engine) Reassemble(outPath string) error {
	parts := append([]models.PartArtifact(nil), e.man.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	for i, part := range parts {
		if part.Index != i {
			return fmt.Errorf("%w: part index %d missing from manifest", models.ErrSourceUnreadable, i)
		}
	}

	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", models.ErrDestinationUnwritable, tmp, err)
	}

	stream := sha256.New()
	var total int64
	for _, part := range parts {
		n, err := e.appendPart(out, stream, part)
		total += n
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", models.ErrDestinationUnwritable, tmp, err)
	}
	if total != e.man.ArchiveBytes {
		os.Remove(tmp)
		return fmt.Errorf("%w: reassembled %d bytes, manifest says %d",
			models.ErrSourceUnreadable, total, e.man.ArchiveBytes)
	}
	if sum := hex.EncodeToString(stream.Sum(nil)); e.man.ArchiveSHA256 != "" && sum != e.man.ArchiveSHA256 {
		os.Remove(tmp)
		return fmt.Errorf("%w: archive checksum mismatch", models.ErrSourceUnreadable)
	}

	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", models.ErrDestinationUnwritable, outPath, err)
	}
	e.log.Info("archive reassembled", "path", outPath, "bytes", total, "parts", len(parts))
	return nil
}

func (e *Engine) appendPart(out io.Writer, stream hash.Hash, part models.PartArtifact) (int64, error) {
	f, err := os.Open(filepath.Join(e.stagingDir, part.Name))
	if err != nil {
		return 0, fmt.Errorf("%w: open part %d: %v", models.ErrSourceUnreadable, part.Index, err)
	}
	defer f.Close()

	partHash := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, stream, partHash), f)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) && pathErr.Op == "write" {
			return n, fmt.Errorf("%w: write %s: %v", models.ErrDestinationUnwritable, pathErr.Path, err)
		}
		return n, fmt.Errorf("%w: read part %d: %v", models.ErrSourceUnreadable, part.Index, err)
	}
	if sum := hex.EncodeToString(partHash.Sum(nil)); sum != part.SHA256 {
		return n, fmt.Errorf("%w: part %d checksum mismatch", models.ErrSourceUnreadable, part.Index)
	}
	return n, nil
}

// List prints the manifest the way an operator wants to see it before
// deciding what to transfer or reassemble.
func (e *Engine) List(w io.Writer) {
	m := e.man
	fmt.Fprintf(w, "Archive:  %s\n", m.ArchiveName)
	fmt.Fprintf(w, "Run:      %s\n", m.RunID)
	fmt.Fprintf(w, "Created:  %s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Source:   %s (%d files, %d dirs, %s)\n",
		m.Source.Root, m.Source.Files, m.Source.Dirs, progress.HumanBytes(m.Source.TotalBytes))
	fmt.Fprintf(w, "Parts:    %d, up to %s each\n\n", len(m.Parts), progress.HumanBytes(m.PartSize))
	for _, part := range m.Parts {
		fmt.Fprintf(w, "%4d  %-44s %14d  %s\n", part.Index, part.Name, part.Size, part.SHA256)
	}
	fmt.Fprintf(w, "\nTotal: %s in %d parts\n", progress.HumanBytes(m.ArchiveBytes), len(m.Parts))
}
