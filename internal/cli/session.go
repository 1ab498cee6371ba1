package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/psm/internal/config"
	"github.com/roach88/psm/internal/psm"
	"github.com/roach88/psm/internal/store"
)

// session is the state shared by commands that touch the store.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	manager *psm.Manager
	out     *OutputFormatter
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig reads the config file and applies the --db override.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.DBPath = opts.Database
	}
	return cfg, nil
}

// openSession loads the config, applies tweaks, builds the logger and opens
// the store and manager. The caller must Close the session.
func openSession(opts *RootOptions, cmd *cobra.Command, tweaks ...func(*config.Config)) (*session, error) {
	out := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = out.Error("E_CONFIG", err.Error(), nil)
		return nil, err
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log level", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	st, err := store.Open(cfg.DBPath, cfg.StoreOptions(logger))
	if err != nil {
		_ = out.Error("E_STORAGE", err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	out.VerboseLog("opened %s", cfg.DBPath)

	return &session{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		manager: psm.New(st, cfg.ManagerOptions(), psm.WithLogger(logger)),
		out:     out,
	}, nil
}

func (s *session) Close() error {
	return s.store.Close()
}
