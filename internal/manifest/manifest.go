// Package manifest persists the per-run part inventory as a JSON
// sidecar written next to the parts and uploaded after them. Verify,
// reassemble and transfer-only runs read it back.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backhaul/internal/utils"
	"backhaul/pkg/models"
)

const Version = "1"

type Manifest struct {
	Version       string                `json:"version"`
	RunID         string                `json:"run_id"`
	CreatedAt     time.Time             `json:"created_at"`
	Source        models.SourceStats    `json:"source"`
	ArchiveName   string                `json:"archive_name"`
	ArchiveBytes  int64                 `json:"archive_bytes"`
	ArchiveSHA256 string                `json:"archive_sha256"`
	PartSize      int64                 `json:"part_size"`
	Gzip          bool                  `json:"gzip"`
	Parts         []models.PartArtifact `json:"parts"`
}

// FileName returns the manifest file name for an archive.
func FileName(archiveName string) string {
	return archiveName + ".manifest.json"
}

// Write persists m under dir, going through a temp name so a crash
// never leaves a manifest with partial content. Returns the path.
func Write(dir string, m *Manifest) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, FileName(m.ArchiveName))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", models.ErrDestinationUnwritable, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: rename %s: %v", models.ErrDestinationUnwritable, path, err)
	}
	return path, nil
}

// Load reads a manifest back from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}

// FindLatest returns the newest readable manifest in dir by creation
// stamp, for runs that operate on previously staged parts.
func FindLatest(dir string) (*Manifest, string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.manifest.json"))
	if err != nil {
		return nil, "", err
	}

	var newest *Manifest
	var newestPath string
	for _, path := range matches {
		m, err := Load(path)
		if err != nil {
			continue
		}
		if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
			newest, newestPath = m, path
		}
	}
	if newest == nil {
		return nil, "", fmt.Errorf("no readable manifest in %s: %w", dir, os.ErrNotExist)
	}
	return newest, newestPath, nil
}

// Verify checks the parts listed in m against the files in dir and
// returns one line per problem. Empty means every part is present
// with matching size and digest.
func Verify(m *Manifest, dir string) []string {
	var issues []string
	for _, part := range m.Parts {
		path := filepath.Join(dir, part.Name)
		info, err := os.Stat(path)
		if err != nil {
			issues = append(issues, fmt.Sprintf("part %d: missing %s", part.Index, part.Name))
			continue
		}
		if info.Size() != part.Size {
			issues = append(issues, fmt.Sprintf("part %d: size %d, manifest says %d", part.Index, info.Size(), part.Size))
			continue
		}
		sum, err := utils.FileSHA256(path)
		if err != nil {
			issues = append(issues, fmt.Sprintf("part %d: %v", part.Index, err))
			continue
		}
		if sum != part.SHA256 {
			issues = append(issues, fmt.Sprintf("part %d: checksum mismatch", part.Index))
		}
	}
	return issues
}
