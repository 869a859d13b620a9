// Package cli wires the configuration, the archive backend and the backup
// pipeline behind the coldkeeper command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dmitrijs2005/coldkeeper/internal/archive"
	"github.com/dmitrijs2005/coldkeeper/internal/archive/glacier"
	"github.com/dmitrijs2005/coldkeeper/internal/archive/s3archive"
	"github.com/dmitrijs2005/coldkeeper/internal/backup"
	"github.com/dmitrijs2005/coldkeeper/internal/cache"
	"github.com/dmitrijs2005/coldkeeper/internal/config"
	"github.com/dmitrijs2005/coldkeeper/internal/filex"
	"github.com/dmitrijs2005/coldkeeper/internal/inventory"
	"github.com/dmitrijs2005/coldkeeper/internal/jobstate"
	"github.com/dmitrijs2005/coldkeeper/internal/logging"
	"github.com/dmitrijs2005/coldkeeper/internal/metrics"
	"github.com/dmitrijs2005/coldkeeper/internal/scanner"
	"github.com/dmitrijs2005/coldkeeper/internal/uploader"
)

const cmdName = "coldkeeper"

// ServiceFactory builds the archive backend selected by the configuration.
type ServiceFactory func(ctx context.Context, cfg *config.Config) (archive.Service, error)

type flags struct {
	configPath    string
	regenerate    bool
	skipInventory bool
	verbosity     int
}

// App is the coldkeeper command.
type App struct {
	cmd   *cobra.Command
	viper *viper.Viper
	flags flags

	errOut     io.Writer
	fs         afero.Fs
	newService ServiceFactory

	summary backup.Summary
}

// Option customizes an App.
type Option func(*App)

// WithServiceFactory replaces the backend constructor.
func WithServiceFactory(f ServiceFactory) Option {
	return func(a *App) { a.newService = f }
}

// WithErrOutput redirects log output.
func WithErrOutput(w io.Writer) Option {
	return func(a *App) { a.errOut = w }
}

// New creates the command with its flags.
func New(opts ...Option) *App {
	a := &App{
		viper:      viper.New(),
		errOut:     os.Stderr,
		fs:         afero.NewOsFs(),
		newService: NewService,
	}
	for _, o := range opts {
		o(a)
	}

	a.cmd = &cobra.Command{
		Use:   cmdName,
		Short: "Back up a directory tree to cold archive storage",
		Long: "coldkeeper scans a directory, compares it with the archives already in the vault " +
			"and uploads every new or changed file. Progress is kept in a local cache so an " +
			"interrupted run picks up where it stopped.",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			return a.run(cmd.Context())
		},
	}
	a.cmd.CompletionOptions.DisableDefaultCmd = true
	a.cmd.Flags().SetNormalizeFunc(underscoreToDash)

	f := a.cmd.Flags()
	f.BoolVarP(&a.flags.regenerate, "regenerate", "r", false, "start a new inventory job even if one is pending")
	f.BoolVarP(&a.flags.skipInventory, "skip-inventory", "i", false, "do not contact the inventory, use the cached mirror")
	f.StringVarP(&a.flags.configPath, "config", "c", "", "configuration file (default "+config.DefaultFile+")")
	f.CountVarP(&a.flags.verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")

	if err := a.cmd.MarkFlagFilename("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config flag as filename: %v", err))
	}

	return a
}

// underscoreToDash accepts --skip_inventory as well as --skip-inventory.
func underscoreToDash(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// Run parses args and executes one backup pass.
func (a *App) Run(ctx context.Context, args []string) error {
	a.cmd.SetArgs(args)
	return a.cmd.ExecuteContext(ctx)
}

// UsageError reports whether the last error came from command parsing.
func (a *App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// RootCmd returns the root command.
func (a *App) RootCmd() *cobra.Command {
	return a.cmd
}

// Summary returns what the last pass did.
func (a *App) Summary() backup.Summary {
	return a.summary
}

func (a *App) run(ctx context.Context) error {
	cfg, err := config.Load(a.viper, a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.verbosity > cfg.Verbosity {
		cfg.Verbosity = a.flags.verbosity
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New(a.errOut, cfg.Verbosity)
	log.Debug(ctx, "configuration loaded", "root", cfg.Root, "backend", cfg.Backend, "cache", cfg.CachePath)

	exclude, err := scanner.CompileExclude(cfg.FileFilter)
	if err != nil {
		return err
	}

	svc, err := a.newService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("archive backend: %w", err)
	}

	cachePath, err := filex.EnsureParentDir(cfg.CachePath)
	if err != nil {
		return err
	}
	c, err := cache.Open(ctx, cachePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn(ctx, "cannot close cache", "error", err)
		}
	}()

	m := metrics.New()
	clock := clockwork.NewRealClock()
	jobs := jobstate.NewFileStore(a.fs, cfg.JobIDPath)

	runner := backup.NewRunner(cfg.Root, backup.Deps{
		Cache:    c,
		Sync:     inventory.New(svc, cfg.VaultName, c, jobs, clock, cfg.PollInterval, log, m),
		Scanner:  scanner.New(a.fs, c, exclude, log, m),
		Uploader: uploader.New(svc, cfg.VaultName, a.fs, cfg.Root, c, log, m, uploader.WithRetryDelay(cfg.RetryDelay)),
		Clock:    clock,
		Log:      log,
		Metrics:  m,
	})

	a.summary, err = runner.Run(ctx, backup.Options{
		Regenerate:    a.flags.regenerate,
		SkipInventory: a.flags.skipInventory,
	})

	if cfg.MetricsFile != "" {
		a.writeMetrics(ctx, log, m, cfg.MetricsFile)
	}
	return err
}

func (a *App) writeMetrics(ctx context.Context, log logging.Logger, m *metrics.Metrics, path string) {
	path, err := filex.EnsureParentDir(path)
	if err == nil {
		err = m.WriteTextfile(path)
	}
	if err != nil {
		log.Warn(ctx, "cannot write metrics file", "path", path, "error", err)
	}
}

// NewService builds the Glacier or S3 backend named by cfg.Backend.
func NewService(ctx context.Context, cfg *config.Config) (archive.Service, error) {
	switch cfg.Backend {
	case config.BackendGlacier:
		return glacier.New(ctx, glacier.Options{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
	case config.BackendS3:
		return s3archive.New(ctx, s3archive.Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
