package commands

import (
	"os"
	"path/filepath"

	"github.com/nimbleos/otad/internal/config"
	"github.com/nimbleos/otad/pkg/attempter"
	"github.com/nimbleos/otad/pkg/bootctl"
	"github.com/nimbleos/otad/pkg/errors"
	"github.com/nimbleos/otad/pkg/fetch"
	"github.com/nimbleos/otad/pkg/history"
	"github.com/nimbleos/otad/pkg/prefs"
)

// ensureDirectories creates all state directories the engine needs
func ensureDirectories(cfg *config.Config) error {
	for _, dir := range []string{
		cfg.PrefsDir,
		cfg.WorkDir,
		cfg.FSMDBPath,
		filepath.Dir(cfg.HistoryPath),
		filepath.Dir(cfg.BootctlState),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create state directory")
		}
	}
	return nil
}

// engine bundles the wired-up coordinator and its closers.
type engine struct {
	attempter *attempter.Attempter
	history   *history.Repository
}

func (e *engine) close() {
	if e.history != nil {
		e.history.Close()
	}
}

// buildEngine loads config and wires the coordinator.
func buildEngine() (*engine, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "config invalid")
	}
	if err := ensureDirectories(cfg); err != nil {
		return nil, nil, err
	}

	store, err := prefs.NewStore(cfg.PrefsDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "prefs init failed")
	}

	ctrl, err := bootctl.NewFileController(cfg.BootctlState, cfg.DeviceDir, bootctl.Slot(cfg.CurrentSlot))
	if err != nil {
		return nil, nil, errors.Wrap(err, "boot controller init failed")
	}

	repo, err := history.NewRepository(cfg.HistoryPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "history init failed")
	}

	a, err := attempter.New(attempter.Config{
		Prefs:     store,
		BootCtrl:  ctrl,
		History:   repo,
		WorkDir:   cfg.WorkDir,
		FSMDBPath: cfg.FSMDBPath,
		FetchOpts: fetch.Options{
			IdleTimeout: cfg.IdleTimeout,
			UserAgent:   cfg.UserAgent,
			S3Region:    cfg.S3Region,
		},
		PostinstallTimeout:        cfg.PostinstallTimeout,
		CurrentSecurityPatchLevel: cfg.SecurityPatchLevel,
		ThrottleInterval:          cfg.ThrottleInterval,
		ThrottleDelta:             cfg.ThrottleDelta,
		Version:                   cfg.SystemVersion,
	})
	if err != nil {
		repo.Close()
		return nil, nil, errors.Wrap(err, "attempter init failed")
	}

	return &engine{attempter: a, history: repo}, cfg, nil
}
