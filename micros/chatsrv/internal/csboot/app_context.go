package csboot

import (
	"context"
	"errors"
	"sync"

	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/config/csncfg"
	"github.com/sweemingdow/sdchat/pkg/graceful"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

type lifecycle struct {
	tag string
	g   graceful.Gracefully
}

// AppContext holds what the process started so it can be stopped in
// reverse order.
type AppContext struct {
	cfg        csncfg.StaticConfig
	ec         chan error
	mu         sync.Mutex
	stored     map[string]any
	lifecycles []lifecycle
}

func NewAppContext(cfg csncfg.StaticConfig) *AppContext {
	return &AppContext{
		cfg:    cfg,
		ec:     make(chan error, 8),
		stored: make(map[string]any),
	}
}

func (ac *AppContext) Config() csncfg.StaticConfig {
	return ac.cfg
}

// GetEc receives fatal errors of background servers.
func (ac *AppContext) GetEc() chan error {
	return ac.ec
}

func (ac *AppContext) CollectLifecycle(tag string, g graceful.Gracefully) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	ac.stored[tag] = g
	ac.lifecycles = append(ac.lifecycles, lifecycle{tag: tag, g: g})
}

func (ac *AppContext) GetStored(tag string) (any, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	v, ok := ac.stored[tag]
	return v, ok
}

func (ac *AppContext) GracefulStop(ctx context.Context) error {
	ac.mu.Lock()
	lcs := ac.lifecycles
	ac.lifecycles = nil
	ac.mu.Unlock()

	lg := mylog.AppLogger()

	var errs []error
	for i := len(lcs) - 1; i >= 0; i-- {
		lc := lcs[i]
		if err := lc.g.GracefulStop(ctx); err != nil {
			lg.Error().Stack().Err(err).Str("tag", lc.tag).Msg("stop component failed")
			errs = append(errs, err)
			continue
		}

		lg.Info().Str("tag", lc.tag).Msg("component stopped")
	}

	return errors.Join(errs...)
}
