package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/civicledger/panelscore/internal/cache"
	"github.com/civicledger/panelscore/internal/collect"
	"github.com/civicledger/panelscore/internal/directory"
	"github.com/civicledger/panelscore/internal/evaluate"
	"github.com/civicledger/panelscore/internal/llm"
	"github.com/civicledger/panelscore/internal/logging"
	"github.com/civicledger/panelscore/internal/metrics"
	"github.com/civicledger/panelscore/internal/model"
	"github.com/civicledger/panelscore/internal/pipeline"
	"github.com/civicledger/panelscore/internal/score"
	"github.com/civicledger/panelscore/internal/store"
	"github.com/civicledger/panelscore/internal/validate"
)

// app holds everything a command needs, built once per invocation
type app struct {
	cfg      *model.Config
	log      *zap.Logger
	store    *store.Store
	dir      *directory.Cached
	files    *directory.File
	registry *llm.Registry
	cache    cache.Cache
	scores   *score.Service
	pipeline *pipeline.Pipeline
}

// newApp loads the config and wires every component
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return nil, err
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.store, err = store.Open(cfg.Store.Path, log)
	if err != nil {
		return nil, err
	}

	dirPath, err := store.ExpandPath(cfg.Directory.Path)
	if err != nil {
		return nil, err
	}
	a.files = directory.NewFile(dirPath)
	a.dir = directory.NewCached(a.files, cfg.Directory.CacheTTL)

	creds, err := llm.LoadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	a.registry = llm.NewRegistry(cfg, creds, log)

	cacheCfg := cfg.Cache
	if cacheCfg.Dir, err = store.ExpandPath(cacheCfg.Dir); err != nil {
		return nil, err
	}
	a.cache, err = cache.New(ctx, cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	var prober validate.Prober
	if cfg.Validation.Reachability {
		classifier := validate.NewClassifier(cfg.Validation.InstitutionalHosts, cfg.Validation.PlatformHosts)
		prober = validate.NewHTTPProber(cfg.HTTP, classifier, cfg.Validation.RespectRobots, log)
	}

	a.scores = score.NewService(a.store, a.cache, cfg, log)
	a.pipeline = pipeline.New(a.store, a.dir,
		collect.New(a.store, a.registry, a.dir, cfg.Protocol, cfg.Collectors, log),
		validate.New(a.store, cfg, prober, log),
		evaluate.New(a.store, a.registry, cfg, log),
		a.scores, cfg, log)

	ok = true
	return a, nil
}

func (a *app) close() {
	if c, ok := a.cache.(io.Closer); ok {
		_ = c.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", zap.Error(err))
		}
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
