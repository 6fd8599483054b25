package cli

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/preacher1045/pdsno/internal/approval"
	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/config"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/discovery"
	"github.com/preacher1045/pdsno/internal/keys"
	"github.com/preacher1045/pdsno/internal/lock"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/policy"
	"github.com/preacher1045/pdsno/internal/rollback"
	"github.com/preacher1045/pdsno/internal/store"
	"github.com/preacher1045/pdsno/internal/token"
)

// app is the set of components a command works on, built from the
// config file.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Recorder

	store    *store.Store
	coord    *coord.Coordinator
	audit    *audit.Log
	auditPub ed25519.PublicKey
	locks    *lock.Manager
	policies *policy.Registry

	closers []io.Closer
}

func openError(code, message string, err error) *ExitError {
	e := WrapExitError(ExitCommandError, message, err)
	e.ErrCode = code
	return e
}

// loadConfig reads and validates the config named by --config. Without
// the flag a missing pdsno.yaml falls back to defaults.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	load := config.Load
	if opts.configSet {
		load = config.LoadFile
	}
	cfg, err := load(opts.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LoggingConfig, w io.Writer, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp loads the config, opens the database and builds the shared
// components. The audit signing key must exist.
func openApp(opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, openError(ErrCodeConfig, "failed to load config", err)
	}

	auditPub, auditKey, err := keys.Load(cfg.Keys.Dir, keys.AuditKey)
	if err != nil {
		return nil, openError(ErrCodeKeys, "failed to load audit key (run pdsno keygen)", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   newLogger(cfg.Logging, logOut, opts.Verbose),
		registry: prometheus.NewRegistry(),
		auditPub: auditPub,
	}
	a.metrics = metrics.NewRecorder(a.registry)

	a.logger.Debug("opening database", "path", cfg.Store.Path)
	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, openError(ErrCodeGeneric, "failed to open database", err)
	}
	a.closers = append(a.closers, a.store)

	auditOpts := []audit.Option{
		audit.WithLogger(a.logger),
		audit.WithMetrics(a.metrics),
		audit.WithPayloadThreshold(cfg.Audit.PayloadThreshold),
	}
	if cfg.Audit.MirrorPath != "" {
		mirror := audit.NewMirror(audit.MirrorConfig{
			Path:       cfg.Audit.MirrorPath,
			MaxSizeMB:  cfg.Audit.MirrorMaxSizeMB,
			MaxBackups: cfg.Audit.MirrorMaxBackups,
			MaxAgeDays: cfg.Audit.MirrorMaxAgeDays,
			Compress:   cfg.Audit.MirrorCompress,
		})
		a.closers = append(a.closers, mirror)
		auditOpts = append(auditOpts, audit.WithMirror(mirror))
	}

	a.coord = coord.New(a.store,
		coord.WithLogger(a.logger),
		coord.WithMetrics(a.metrics),
		coord.WithRetry(cfg.Writes.MaxAttempts, cfg.Writes.BaseBackoff.Std(), cfg.Writes.MaxBackoff.Std()),
	)
	a.audit = audit.New(a.store, auditKey, auditOpts...)
	a.locks = lock.New(a.store, lock.WithLogger(a.logger), lock.WithMetrics(a.metrics))
	a.policies = policy.NewRegistry(a.coord, a.audit, policy.WithLogger(a.logger))
	return a, nil
}

// Close releases the database and the audit mirror.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// keyring holds the audit key this controller signs with.
func (a *app) keyring() keys.Ring {
	kr := keys.Ring{}
	kr.Add(a.auditPub)
	return kr
}

// tokenRing holds this controller's token key plus every trusted peer
// key listed in the config.
func (a *app) tokenRing(own ed25519.PublicKey) (keys.Ring, error) {
	ring := keys.Ring{}
	ring.Add(own)
	for _, name := range a.cfg.Keys.Trusted {
		pub, err := keys.LoadPublic(a.cfg.Keys.Dir, name)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", name, err)
		}
		ring.Add(pub)
	}
	return ring, nil
}

// service builds the approval service. Snapshots are restored into the
// device store; pushing them to hardware is left to the executor.
func (a *app) service(escalator approval.Escalator) (*approval.Service, error) {
	tokenPub, tokenKey, err := keys.Load(a.cfg.Keys.Dir, keys.TokenKey)
	if err != nil {
		return nil, openError(ErrCodeKeys, "failed to load token key (run pdsno keygen)", err)
	}
	ring, err := a.tokenRing(tokenPub)
	if err != nil {
		return nil, openError(ErrCodeKeys, "failed to load trusted keys", err)
	}

	svc, err := approval.New(approval.Deps{
		Coord:     a.coord,
		Locks:     a.locks,
		Audit:     a.audit,
		Policies:  a.policies,
		Issuer:    token.NewIssuer(a.coord, tokenKey, token.WithLogger(a.logger), token.WithMetrics(a.metrics)),
		Verifier:  token.NewVerifier(a.store, ring, token.WithLogger(a.logger), token.WithMetrics(a.metrics)),
		Rollback:  rollback.New(a.coord, nil, rollback.WithLogger(a.logger)),
		Escalator: escalator,
	}, approval.WithLogger(a.logger), approval.WithMetrics(a.metrics))
	if err != nil {
		return nil, openError(ErrCodeGeneric, "failed to build approval service", err)
	}
	return svc, nil
}

// ingestor builds the discovery ingestor with the configured threshold.
func (a *app) ingestor() *discovery.Ingestor {
	return discovery.New(a.coord, a.audit,
		discovery.WithThreshold(a.cfg.Discovery.MissedCycleThreshold),
		discovery.WithLogger(a.logger),
		discovery.WithMetrics(a.metrics),
	)
}

// sweeper builds the lock sweeper with the configured schedule.
func (a *app) sweeper() *lock.Sweeper {
	return lock.NewSweeper(a.store, a.cfg.Locks.SweepInterval.Std(), a.cfg.Locks.Retention.Std(),
		lock.SweepWithLogger(a.logger),
		lock.SweepWithMetrics(a.metrics),
	)
}
