package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"backhaul/internal/backup"
	"backhaul/internal/config"
	"backhaul/internal/restore"
	"backhaul/internal/transport"
	"backhaul/pkg/models"
	"backhaul/pkg/progress"
)

var (
	configPath   string
	source       string
	stagingDir   string
	partSize     string
	gzipArchive  bool
	compressOnly bool
	transferOnly bool
	dryRun       bool
	listMode     bool
	verifyMode   bool
	reassembleTo string
	manifestPath string
	keepParts    bool
	skipUnread   bool
	failOnChange bool
	overlap      bool
	continueOnEr bool
	bwLimit      string
	remoteHost   string
	remotePort   int
	remoteUser   string
	remoteDir    string
	keyFile      string
	knownHosts   string
	insecureHost bool
	maxAttempts  int
	reportPath   string
	assumeYes    bool
	verbose      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "backhaul",
		Short: "Archive a directory and ship it in parts over SFTP",
		Long: "backhaul archives a directory tree into a tar (optionally gzip) stream,\n" +
			"splits it into fixed-size parts in a staging directory and uploads each\n" +
			"part to an SFTP host with retries. Every run ends with a report.",
		Example: `  backhaul --source /srv/data --host backup.example.com --user svc --remote-dir /backups
  backhaul -c --source /srv/data --staging-dir /var/tmp/backhaul
  backhaul -t --staging-dir /var/tmp/backhaul --host backup.example.com --user svc --remote-dir /backups
  backhaul --dry-run --source /srv/data --part-size 2G
  backhaul --verify --staging-dir /var/tmp/backhaul
  backhaul --reassemble /tmp/restored.tar --staging-dir /var/tmp/backhaul`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", defaultConfigPath(), "Path to the YAML config file")
	flags.StringVarP(&source, "source", "s", "", "Directory to back up")
	flags.StringVar(&stagingDir, "staging-dir", "", "Directory for parts and manifest")
	flags.StringVar(&partSize, "part-size", "", "Maximum part size (plain bytes or K/M/G/T, e.g. 6G)")
	flags.BoolVarP(&gzipArchive, "gzip", "z", false, "Compress the archive with gzip")
	flags.BoolVarP(&compressOnly, "compress-only", "c", false, "Archive and split, skip the transfer")
	flags.BoolVarP(&transferOnly, "transfer-only", "t", false, "Upload parts already staged, archive nothing")
	flags.BoolVar(&dryRun, "dry-run", false, "Print the plan and exit")
	flags.BoolVar(&listMode, "list", false, "List the staged parts from the manifest")
	flags.BoolVar(&verifyMode, "verify", false, "Check staged parts against the manifest")
	flags.StringVar(&reassembleTo, "reassemble", "", "Rebuild the archive from staged parts into the given path")
	flags.StringVar(&manifestPath, "manifest", "", "Explicit manifest path for list/verify/reassemble")
	flags.BoolVar(&keepParts, "keep-parts", false, "Keep staged parts after successful upload")
	flags.BoolVar(&skipUnread, "skip-unreadable", false, "Skip unreadable source entries instead of failing")
	flags.BoolVar(&failOnChange, "fail-on-change", false, "Fail the run if the source changes while archiving")
	flags.BoolVar(&overlap, "overlap", false, "Write the next part while the current one uploads")
	flags.BoolVar(&continueOnEr, "continue-on-error", false, "Attempt remaining parts after a part fails")
	flags.StringVar(&bwLimit, "bwlimit", "", "Upload bandwidth cap in bytes/s (plain bytes or K/M/G)")
	flags.StringVar(&remoteHost, "host", "", "SFTP host")
	flags.IntVar(&remotePort, "port", 0, "SFTP port")
	flags.StringVar(&remoteUser, "user", "", "SFTP user")
	flags.StringVar(&remoteDir, "remote-dir", "", "Remote directory for parts")
	flags.StringVar(&keyFile, "key-file", "", "SSH private key file")
	flags.StringVar(&knownHosts, "known-hosts", "", "known_hosts file for host key verification")
	flags.BoolVar(&insecureHost, "insecure-host-key", false, "Skip host key verification")
	flags.IntVar(&maxAttempts, "retries", 0, "Maximum transfer attempts per part")
	flags.StringVar(&reportPath, "report", "", "Write the run report as JSON to the given path")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(models.ExitCode(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	modeCount := 0
	for _, on := range []bool{compressOnly, transferOnly, dryRun, listMode, verifyMode, reassembleTo != ""} {
		if on {
			modeCount++
		}
	}
	if modeCount > 1 {
		return fmt.Errorf("%w: pick one of --compress-only, --transfer-only, --dry-run, --list, --verify, --reassemble",
			models.ErrInvalidConfig)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case listMode:
		return runList(cfg, log)
	case verifyMode:
		return runVerify(cfg, log)
	case reassembleTo != "":
		return runReassemble(cfg, log)
	case dryRun:
		return backup.NewEngine(cfg, nil, progress.Nop{}, log).DryRun(os.Stdout)
	case compressOnly:
		return runCompress(ctx, cfg, log)
	case transferOnly:
		return runTransfer(ctx, cfg, log)
	default:
		return runBackup(ctx, cfg, log)
	}
}

func runBackup(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	session, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	defer session.Close()

	eng := backup.NewEngine(cfg, session, newReporter(log), log)
	if err := eng.DryRun(os.Stdout); err != nil {
		return err
	}
	if !confirmed(os.Stdin) {
		return fmt.Errorf("%w: aborted at prompt", models.ErrCancelled)
	}

	report, err := eng.Run(ctx)
	return finishRun(report, err, log)
}

func runCompress(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	eng := backup.NewEngine(cfg, nil, newReporter(log), log)
	if err := eng.DryRun(os.Stdout); err != nil {
		return err
	}
	if !confirmed(os.Stdin) {
		return fmt.Errorf("%w: aborted at prompt", models.ErrCancelled)
	}

	report, err := eng.Compress(ctx)
	return finishRun(report, err, log)
}

func runTransfer(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	session, err := newSession(cfg, log)
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Printf("Transfer staged parts from %s to %s@%s:%s\n",
		cfg.StagingDir, cfg.Remote.User, cfg.Remote.Host, cfg.Remote.Dir)
	if !confirmed(os.Stdin) {
		return fmt.Errorf("%w: aborted at prompt", models.ErrCancelled)
	}

	report, err := backup.NewEngine(cfg, session, newReporter(log), log).Transfer(ctx)
	return finishRun(report, err, log)
}

func runList(cfg *config.Config, log *slog.Logger) error {
	eng, err := restore.NewEngine(cfg.StagingDir, manifestPath, log)
	if err != nil {
		return err
	}
	eng.List(os.Stdout)
	return nil
}

func runVerify(cfg *config.Config, log *slog.Logger) error {
	eng, err := restore.NewEngine(cfg.StagingDir, manifestPath, log)
	if err != nil {
		return err
	}
	if err := eng.Validate(); err != nil {
		return err
	}
	fmt.Printf("All %d parts verified against %s\n",
		len(eng.Manifest().Parts), eng.Manifest().ArchiveName)
	return nil
}

func runReassemble(cfg *config.Config, log *slog.Logger) error {
	eng, err := restore.NewEngine(cfg.StagingDir, manifestPath, log)
	if err != nil {
		return err
	}
	if err := eng.Reassemble(reassembleTo); err != nil {
		return err
	}
	fmt.Printf("Archive reassembled into %s\n", reassembleTo)
	return nil
}

// finishRun prints the report on every outcome and saves the JSON copy
// when asked. The run error keeps driving the exit code.
func finishRun(report *models.RunReport, runErr error, log *slog.Logger) error {
	backup.WriteReport(os.Stdout, report)
	if reportPath != "" {
		if err := backup.SaveReport(reportPath, report); err != nil {
			log.Warn("report not saved", "path", reportPath, "error", err)
		}
	}
	return runErr
}

// loadConfig resolves settings as defaults < file < environment <
// flags. Only flags the user actually set override the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("source") {
		cfg.Source = source
	}
	if cmd.Flags().Changed("staging-dir") {
		cfg.StagingDir = stagingDir
	}
	if cmd.Flags().Changed("part-size") {
		n, err := config.ParseSize(partSize)
		if err != nil {
			return nil, fmt.Errorf("%w: --part-size: %v", models.ErrInvalidConfig, err)
		}
		cfg.PartSize = config.Size(n)
	}
	if cmd.Flags().Changed("bwlimit") {
		n, err := config.ParseSize(bwLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: --bwlimit: %v", models.ErrInvalidConfig, err)
		}
		cfg.BandwidthLimit = config.Size(n)
	}
	if cmd.Flags().Changed("gzip") {
		cfg.Gzip = gzipArchive
	}
	if cmd.Flags().Changed("keep-parts") {
		cfg.KeepParts = keepParts
	}
	if cmd.Flags().Changed("skip-unreadable") {
		cfg.SkipUnreadable = skipUnread
	}
	if cmd.Flags().Changed("fail-on-change") {
		cfg.FailOnChange = failOnChange
	}
	if cmd.Flags().Changed("overlap") {
		cfg.Overlap = overlap
	}
	if cmd.Flags().Changed("continue-on-error") {
		cfg.ContinueOnError = continueOnEr
	}
	if cmd.Flags().Changed("host") {
		cfg.Remote.Host = remoteHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Remote.Port = remotePort
	}
	if cmd.Flags().Changed("user") {
		cfg.Remote.User = remoteUser
	}
	if cmd.Flags().Changed("remote-dir") {
		cfg.Remote.Dir = remoteDir
	}
	if cmd.Flags().Changed("key-file") {
		cfg.Remote.KeyFile = keyFile
	}
	if cmd.Flags().Changed("known-hosts") {
		cfg.Remote.KnownHostsFile = knownHosts
	}
	if cmd.Flags().Changed("insecure-host-key") {
		cfg.Remote.InsecureHostKey = insecureHost
	}
	if cmd.Flags().Changed("retries") {
		cfg.Retry.MaxAttempts = maxAttempts
	}
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".backhaul.yaml"
	}
	return filepath.Join(home, ".backhaul.yaml")
}

func newSession(cfg *config.Config, log *slog.Logger) (*transport.Session, error) {
	return transport.NewSession(transport.Config{
		Host:            cfg.Remote.Host,
		Port:            cfg.Remote.Port,
		User:            cfg.Remote.User,
		RemoteDir:       cfg.Remote.Dir,
		KeyFile:         cfg.Remote.KeyFile,
		KeyPassEnv:      cfg.Remote.KeyPassEnv,
		PasswordEnv:     cfg.Remote.PasswordEnv,
		KnownHostsFile:  cfg.Remote.KnownHostsFile,
		InsecureHostKey: cfg.Remote.InsecureHostKey,
		ConnectTimeout:  cfg.Remote.ConnectTimeout.Std(),
		IOTimeout:       cfg.Remote.IOTimeout.Std(),
		BandwidthLimit:  int64(cfg.BandwidthLimit),
		Retry: transport.Backoff{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Initial:     cfg.Retry.InitialDelay.Std(),
			Max:         cfg.Retry.MaxDelay.Std(),
		},
		Logger: log,
	})
}

// newLogger keeps the terminal bar readable: warnings only while the
// bar owns stderr, debug everything under --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case isTerminal(os.Stderr):
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newReporter(log *slog.Logger) progress.Reporter {
	if !verbose && isTerminal(os.Stderr) {
		return progress.NewTerminal(os.Stderr)
	}
	return progress.NewLog(log)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func confirmed(in io.Reader) bool {
	if assumeYes {
		return true
	}
	fmt.Print("Proceed? [Y/n]: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true
	}
	return false
}
