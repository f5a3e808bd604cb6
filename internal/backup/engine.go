// Package backup drives a run end to end: scan, archive, split,
// transfer, manifest. The engine owns the run report; everything else
// reports errors up and lets the engine decide.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"backhaul/internal/archive"
	"backhaul/internal/config"
	"backhaul/internal/manifest"
	"backhaul/internal/split"
	"backhaul/internal/utils"
	"backhaul/internal/watcher"
	"backhaul/pkg/models"
	"backhaul/pkg/progress"
)

// Transport is the engine's view of a transfer session.
type Transport interface {
	Connect(ctx context.Context) error
	Upload(ctx context.Context, part models.PartArtifact, progressFn func(sent int64)) (models.TransferResult, error)
	UploadFile(ctx context.Context, localPath, remoteName string) error
	Close() error
}

/*
One Engine per run invocation.
1. Run() - full pipeline: archive, split, upload, manifest
2. Compress() - archive and split only, parts stay staged
3. Transfer() - upload parts staged by an earlier run
4. DryRun() - scan the source and print the part plan
*/
type Engine struct {
	cfg       *config.Config
	transport Transport
	reporter  progress.Reporter
	log       *slog.Logger

	estimatedParts int
	deleteAfter    bool

	mu         sync.Mutex
	report     *models.RunReport
	uploadErrs []error
}

// NewEngine wires a run. transport may be nil for modes that never
// touch the remote.
func NewEngine(cfg *config.Config, transport Transport, reporter progress.Reporter, log *slog.Logger) *Engine {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, transport: transport, reporter: reporter, log: log}
}

// Run executes a full backup. The returned report is populated on
// every path, including failure and cancellation.
func (e *Engine) Run(ctx context.Context) (*models.RunReport, error) {
	e.deleteAfter = !e.cfg.KeepParts
	report := e.newReport()
	err := e.execute(ctx, report, true)
	e.finish(report, err)
	return report, err
}

// Compress archives and splits without touching the remote. Parts and
// manifest stay in the staging directory for a later Transfer.
func (e *Engine) Compress(ctx context.Context) (*models.RunReport, error) {
	e.deleteAfter = false
	report := e.newReport()
	err := e.execute(ctx, report, false)
	e.finish(report, err)
	return report, err
}

// Transfer uploads parts already staged by an earlier run. The staged
// files are never deleted in this mode.
func (e *Engine) Transfer(ctx context.Context) (*models.RunReport, error) {
	e.deleteAfter = false
	report := e.newReport()
	err := e.transferStaged(ctx, report)
	e.finish(report, err)
	return report, err
}

// DryRun scans the source and prints what a run would do, without
// writing or connecting anywhere.
func (e *Engine) DryRun(w io.Writer) error {
	if e.cfg.Source == "" {
		return fmt.Errorf("%w: source directory is required", models.ErrInvalidConfig)
	}
	stats, err := utils.ScanTree(e.cfg.Source)
	if err != nil {
		return err
	}
	partSize := int64(e.cfg.PartSize)
	plan, err := split.Plan(stats.TotalBytes, partSize)
	if err != nil {
		return err
	}

	arch, err := archive.New(e.cfg.Source, archive.Options{Gzip: e.cfg.Gzip, Logger: e.log})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Source:   %s (%d files, %d dirs, %d symlinks, %s)\n",
		stats.Root, stats.Files, stats.Dirs, stats.Symlinks, progress.HumanBytes(stats.TotalBytes))
	fmt.Fprintf(w, "Archive:  %s\n", arch.BaseName(time.Now()))
	fmt.Fprintf(w, "Staging:  %s\n", e.cfg.StagingDir)
	if e.cfg.Remote.Host != "" {
		fmt.Fprintf(w, "Remote:   %s@%s:%s\n", e.cfg.Remote.User, e.cfg.Remote.Host, e.cfg.Remote.Dir)
	} else {
		fmt.Fprintf(w, "Remote:   none\n")
	}
	fmt.Fprintf(w, "Plan:     ~%d parts of up to %s (estimate from logical size%s)\n",
		max(len(plan), 1), progress.HumanBytes(partSize), gzipNote(e.cfg.Gzip))
	for _, spec := range plan {
		if len(plan) > 12 && spec.Index >= 10 && spec.Index < len(plan)-1 {
			if spec.Index == 10 {
				fmt.Fprintf(w, "  ...\n")
			}
			continue
		}
		fmt.Fprintf(w, "  part %04d  offset %14d  length %s\n",
			spec.Index, spec.Offset, progress.HumanBytes(spec.Length))
	}
	return nil
}

func gzipNote(gzip bool) string {
	if gzip {
		return "; gzip will shrink this"
	}
	return ""
}

// execute runs the archive/split pipeline, uploading each part as it
// completes when transfer is set.
func (e *Engine) execute(ctx context.Context, report *models.RunReport, transfer bool) error {
	if e.cfg.Source == "" {
		return fmt.Errorf("%w: source directory is required", models.ErrInvalidConfig)
	}
	if transfer && e.transport == nil {
		return fmt.Errorf("%w: remote host is required", models.ErrInvalidConfig)
	}

	stats, err := utils.ScanTree(e.cfg.Source)
	if err != nil {
		return err
	}
	e.mu.Lock()
	report.Source = stats
	e.mu.Unlock()

	if err := utils.EnsureDirectoryExists(e.cfg.StagingDir); err != nil {
		return err
	}
	if err := utils.CheckStaging(e.cfg.StagingDir, e.stagingNeed(stats, transfer)); err != nil {
		return err
	}

	// Connect before archiving so credential problems surface with
	// nothing staged and nothing to clean up.
	if transfer {
		if err := e.transport.Connect(ctx); err != nil {
			return err
		}
	}

	partSize := int64(e.cfg.PartSize)
	plan, err := split.Plan(stats.TotalBytes, partSize)
	if err != nil {
		return err
	}
	e.estimatedParts = max(len(plan), 1)

	var watch *watcher.Watch
	if w, err := watcher.Start(e.cfg.Source, e.log); err != nil {
		if e.cfg.FailOnChange {
			return fmt.Errorf("%w: cannot watch source for changes: %v", models.ErrSourceUnreadable, err)
		}
		e.log.Warn("source watch unavailable", "error", err)
	} else {
		watch = w
		defer func() {
			changed := watch.Stop()
			e.mu.Lock()
			report.SourceChanged = changed
			e.mu.Unlock()
			for _, path := range changed {
				e.log.Warn("source changed during run", "path", path)
			}
		}()
	}

	e.setState(models.StateArchiving)
	arch, err := archive.New(e.cfg.Source, archive.Options{
		Gzip:           e.cfg.Gzip,
		SkipUnreadable: e.cfg.SkipUnreadable,
		Logger:         e.log,
	})
	if err != nil {
		return err
	}
	baseName := arch.BaseName(time.Now())
	e.mu.Lock()
	report.ArchiveName = baseName
	e.mu.Unlock()
	e.log.Info("run started", "run", report.RunID, "source", stats.Root,
		"bytes", stats.TotalBytes, "archive", baseName)

	stream, err := arch.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	w, err := split.NewWriter(stream, split.Options{
		Dir:      e.cfg.StagingDir,
		BaseName: baseName,
		PartSize: partSize,
	})
	if err != nil {
		return err
	}

	parts, err := e.pump(ctx, w, transfer)
	if err != nil {
		return err
	}

	e.setState(models.StateFinalizing)
	total, streamSum := w.Summary()
	e.mu.Lock()
	report.ArchiveBytes = total
	report.ArchiveSHA256 = streamSum
	e.mu.Unlock()

	// The archive pass is over; any event seen by now taints the run.
	if watch != nil && e.cfg.FailOnChange {
		if changed := watch.Snapshot(); len(changed) > 0 {
			return fmt.Errorf("%w: source changed during archive: %d paths",
				models.ErrSourceUnreadable, len(changed))
		}
	}

	manPath, err := manifest.Write(e.cfg.StagingDir, &manifest.Manifest{
		Version:       manifest.Version,
		RunID:         report.RunID,
		CreatedAt:     time.Now().UTC(),
		Source:        stats,
		ArchiveName:   baseName,
		ArchiveBytes:  total,
		ArchiveSHA256: streamSum,
		PartSize:      partSize,
		Gzip:          e.cfg.Gzip,
		Parts:         parts,
	})
	if err != nil {
		return err
	}
	e.log.Info("manifest written", "path", manPath, "parts", len(parts))

	if transfer {
		if err := e.transport.UploadFile(ctx, manPath, manifest.FileName(baseName)); err != nil {
			return err
		}
	}
	return e.verdict()
}

// pump drains the part writer. Sequential by default; with overlap the
// next part is written while the current one uploads, bounded to one
// queued artifact.
func (e *Engine) pump(ctx context.Context, w *split.Writer, transfer bool) ([]models.PartArtifact, error) {
	if !transfer || !e.cfg.Overlap {
		var parts []models.PartArtifact
		for {
			e.setState(models.StateArchiving)
			part, err := w.Next(ctx)
			if err == io.EOF {
				return parts, nil
			}
			if err != nil {
				return parts, err
			}
			e.recordPart()
			parts = append(parts, part)
			if !transfer {
				e.log.Info("part staged", "part", part.Index, "size", part.Size)
				continue
			}
			if err := e.handlePart(ctx, part); err != nil {
				return parts, err
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan models.PartArtifact, 1)
	var parts []models.PartArtifact
	g.Go(func() error {
		defer close(queue)
		for {
			e.setState(models.StateArchiving)
			part, err := w.Next(gctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			e.recordPart()
			parts = append(parts, part)
			select {
			case queue <- part:
			case <-gctx.Done():
				return fmt.Errorf("%w: %v", models.ErrCancelled, gctx.Err())
			}
		}
	})
	g.Go(func() error {
		for part := range queue {
			if err := e.handlePart(gctx, part); err != nil {
				return err
			}
		}
		return nil
	})
	err := g.Wait()
	return parts, err
}

// handlePart uploads one part and applies the local lifecycle choice.
// Under continue-on-error a failed part is recorded and skipped unless
// the failure also dooms every later part.
func (e *Engine) handlePart(ctx context.Context, part models.PartArtifact) error {
	e.setState(models.StateTransferring)
	res, err := e.transport.Upload(ctx, part, func(sent int64) {
		e.reporter.Update(part.Index, e.partCount(part.Index), sent, part.Size)
	})
	e.reporter.PartDone(part.Index, err)
	e.recordResult(res)
	if err != nil {
		if e.cfg.ContinueOnError &&
			!errors.Is(err, models.ErrCancelled) && !errors.Is(err, models.ErrAuthFailed) {
			e.log.Error("part transfer failed, continuing", "part", part.Index, "error", err)
			e.mu.Lock()
			e.uploadErrs = append(e.uploadErrs, err)
			e.mu.Unlock()
			return nil
		}
		return err
	}
	if e.deleteAfter {
		if rmErr := os.Remove(part.Path); rmErr != nil {
			e.log.Warn("staged part not removed", "path", part.Path, "error", rmErr)
		}
	}
	return nil
}

// transferStaged uploads the parts an earlier run left in staging,
// preferring the manifest over a directory glob.
func (e *Engine) transferStaged(ctx context.Context, report *models.RunReport) error {
	if e.transport == nil {
		return fmt.Errorf("%w: remote host is required", models.ErrInvalidConfig)
	}

	parts, man, manPath, err := e.stagedParts()
	if err != nil {
		return err
	}
	e.estimatedParts = len(parts)

	e.mu.Lock()
	report.PartCount = len(parts)
	if man != nil {
		report.Source = man.Source
		report.ArchiveName = man.ArchiveName
		report.ArchiveBytes = man.ArchiveBytes
		report.ArchiveSHA256 = man.ArchiveSHA256
	} else if len(parts) > 0 {
		report.ArchiveName = baseOfPart(parts[0].Name)
		for _, part := range parts {
			report.ArchiveBytes += part.Size
		}
	}
	e.mu.Unlock()

	if err := e.transport.Connect(ctx); err != nil {
		return err
	}
	e.log.Info("transferring staged parts", "parts", len(parts), "manifest", manPath != "")

	for _, part := range parts {
		if err := e.handlePart(ctx, part); err != nil {
			return err
		}
	}

	e.setState(models.StateFinalizing)
	if manPath != "" {
		if err := e.transport.UploadFile(ctx, manPath, filepath.Base(manPath)); err != nil {
			return err
		}
	}
	return e.verdict()
}

// stagedParts resolves what to upload. With a manifest the staged
// files are verified against it first; without one the parts are
// discovered by name and hashed on the spot.
func (e *Engine) stagedParts() ([]models.PartArtifact, *manifest.Manifest, string, error) {
	man, manPath, err := manifest.FindLatest(e.cfg.StagingDir)
	if err == nil {
		if issues := manifest.Verify(man, e.cfg.StagingDir); len(issues) > 0 {
			for _, issue := range issues {
				e.log.Error("staged part mismatch", "issue", issue)
			}
			return nil, nil, "", fmt.Errorf("%w: %d staged parts do not match the manifest",
				models.ErrSourceUnreadable, len(issues))
		}
		parts := make([]models.PartArtifact, len(man.Parts))
		for i, part := range man.Parts {
			part.Path = filepath.Join(e.cfg.StagingDir, part.Name)
			parts[i] = part
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
		return parts, man, manPath, nil
	}

	matches, err := filepath.Glob(filepath.Join(e.cfg.StagingDir, "*.part[0-9][0-9][0-9][0-9]"))
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: scan staging: %v", models.ErrSourceUnreadable, err)
	}
	if len(matches) == 0 {
		return nil, nil, "", fmt.Errorf("%w: nothing staged in %s", models.ErrSourceUnreadable, e.cfg.StagingDir)
	}
	sort.Strings(matches)

	base := baseOfPart(filepath.Base(matches[0]))
	parts := make([]models.PartArtifact, 0, len(matches))
	for i, path := range matches {
		name := filepath.Base(path)
		if baseOfPart(name) != base {
			return nil, nil, "", fmt.Errorf("%w: multiple part sets staged in %s, keep one or provide a manifest",
				models.ErrInvalidConfig, e.cfg.StagingDir)
		}
		index, err := strconv.Atoi(name[len(name)-4:])
		if err != nil || index != i {
			return nil, nil, "", fmt.Errorf("%w: staged parts are not contiguous at %s", models.ErrSourceUnreadable, name)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: stat %s: %v", models.ErrSourceUnreadable, path, err)
		}
		sum, err := utils.FileSHA256(path)
		if err != nil {
			return nil, nil, "", err
		}
		parts = append(parts, models.PartArtifact{
			Index: index, Name: name, Path: path, Size: info.Size(), SHA256: sum,
		})
	}
	return parts, nil, "", nil
}

func baseOfPart(name string) string {
	if i := strings.LastIndex(name, ".part"); i > 0 {
		return name[:i]
	}
	return name
}

// stagingNeed estimates the space a run requires in staging. Runs that
// keep every part need room for the whole archive; streaming runs hold
// at most two parts at a time.
func (e *Engine) stagingNeed(stats models.SourceStats, transfer bool) int64 {
	whole := stats.TotalBytes + stats.TotalBytes/100 + (1 << 20)
	if !transfer || e.cfg.KeepParts {
		return whole
	}
	need := 2 * int64(e.cfg.PartSize)
	if whole < need {
		need = whole
	}
	return need
}

func (e *Engine) verdict() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.uploadErrs...)
}

func (e *Engine) partCount(index int) int {
	if n := index + 1; n > e.estimatedParts {
		return n
	}
	return e.estimatedParts
}

func (e *Engine) newReport() *models.RunReport {
	report := &models.RunReport{
		RunID:        uuid.NewString(),
		State:        models.StateIdle,
		PartSize:     int64(e.cfg.PartSize),
		LastGoodPart: -1,
		StartedAt:    time.Now(),
	}
	e.mu.Lock()
	e.report = report
	e.uploadErrs = nil
	e.mu.Unlock()
	return report
}

func (e *Engine) setState(s models.RunState) {
	e.mu.Lock()
	e.report.State = s
	e.mu.Unlock()
}

func (e *Engine) recordPart() {
	e.mu.Lock()
	e.report.PartCount++
	e.mu.Unlock()
}

func (e *Engine) recordResult(res models.TransferResult) {
	e.mu.Lock()
	e.report.Results = append(e.report.Results, res)
	e.report.BytesSent += res.BytesSent
	e.mu.Unlock()
}

// finish settles the report into its terminal state. Called exactly
// once per run, after which the report is read-only.
func (e *Engine) finish(report *models.RunReport, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	report.FinishedAt = time.Now()
	report.Elapsed = report.FinishedAt.Sub(report.StartedAt)
	report.LastGoodPart = lastGoodPart(report.Results)
	if err == nil {
		report.State = models.StateDone
		report.Success = true
		return
	}
	report.ErrorKind = models.KindOf(err)
	report.ErrorDetail = err.Error()
	if errors.Is(err, models.ErrCancelled) {
		report.State = models.StateCancelled
	} else {
		report.State = models.StateFailed
	}
}

// lastGoodPart is the highest index of the fully transferred prefix.
// A later success after a gap does not extend it.
func lastGoodPart(results []models.TransferResult) int {
	last := -1
	for _, res := range results {
		if res.Part.Index != last+1 || res.Error != "" {
			break
		}
		last = res.Part.Index
	}
	return last
}
