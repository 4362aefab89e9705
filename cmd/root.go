package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/portcullis/internal/brand"
	"grimm.is/portcullis/internal/config"
	"grimm.is/portcullis/internal/firewall"
	"grimm.is/portcullis/internal/logging"
	"grimm.is/portcullis/internal/state"
)

const (
	// stateFileName is the SQLite database inside the state directory.
	stateFileName = "state.db"
	lockFileName  = "state.lock"

	// stateLockTimeout bounds the wait for another invocation to finish.
	stateLockTimeout = 30 * time.Second
)

var (
	configPath string
	logLevel   string
	jsonLogs   bool

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   brand.BinaryName,
	Short: "Container firewall integration",
	Long: brand.Name + ` programs the host firewall for container networks.

It trusts container subnets, publishes container ports on the host and
keeps a small state database so the rules can be replayed after the
firewall daemon reloads. Supported drivers are iptables, nftables and
firewalld.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the command line. Cancelling ctx stops long-running
// commands such as reload --watch.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", brand.DefaultConfigPath(), "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Output logs in JSON format")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// setup loads the configuration and installs the process logger.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	cfg = c

	lc := logging.DefaultConfig()
	lc.Output = cmd.ErrOrStderr()
	level := logLevel
	if cfg.Log != nil {
		if level == "" {
			level = cfg.Log.Level
		}
		lc.JSON = cfg.Log.JSON
	}
	if jsonLogs {
		lc.JSON = true
	}
	if lc.Level, err = logging.ParseLevel(level); err != nil {
		return err
	}
	logger = logging.New(lc)
	logging.SetDefault(logger)
	return nil
}

// session is an opened backend plus, while the state lock is held, the
// store and a coordinator rehydrated from it.
type session struct {
	lock    *state.FileLock
	store   *state.SQLiteStore
	backend *firewall.Backend
	coord   *firewall.Coordinator
}

func openStore() (*state.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return state.NewSQLiteStore(state.DefaultOptions(filepath.Join(cfg.StateDir, stateFileName)))
}

// lockState takes the lock every command holds while it reads or changes
// the state directory, so concurrent invocations run one after another.
func lockState(ctx context.Context) (*state.FileLock, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, stateLockTimeout)
	defer cancel()
	return state.Lock(ctx, filepath.Join(cfg.StateDir, lockFileName))
}

func openSession(ctx context.Context) (*session, error) {
	opts, err := firewall.BackendOptionsFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	backend, err := firewall.OpenBackend(ctx, opts)
	if err != nil {
		return nil, err
	}
	s, err := attach(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return s, nil
}

// attach locks the state directory and rehydrates a coordinator over
// backend. The coordinator must not be used after release.
func attach(ctx context.Context, backend *firewall.Backend) (*session, error) {
	lock, err := lockState(ctx)
	if err != nil {
		return nil, err
	}
	store, err := openStore()
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	coord, err := firewall.NewCoordinator(backend.Adapter, firewall.OptionsFromConfig(cfg, store, logger))
	if err != nil {
		store.Close()
		lock.Unlock()
		return nil, err
	}
	return &session{lock: lock, store: store, backend: backend, coord: coord}, nil
}

// release closes the store and drops the state lock. The backend stays open.
func (s *session) release() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warn("failed to close state store", "error", err)
		}
		s.store = nil
	}
	if err := s.lock.Unlock(); err != nil {
		logger.Warn("failed to release state lock", "error", err)
	}
	s.coord = nil
}

func (s *session) Close() {
	s.release()
	if err := s.backend.Close(); err != nil {
		logger.Debug("failed to close system bus", "error", err)
	}
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
