package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/cache"
	"github.com/illmade-knight/go-asyncops/pkg/config"
	"github.com/illmade-knight/go-asyncops/pkg/jobs"
	"github.com/illmade-knight/go-asyncops/pkg/microservice"
	"github.com/illmade-knight/go-asyncops/pkg/notify"
	"github.com/illmade-knight/go-asyncops/pkg/pagination"
	"github.com/illmade-knight/go-asyncops/pkg/store"
	"github.com/illmade-knight/go-asyncops/pkg/telemetry"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// app is the wired service. closers run in reverse order on shutdown.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	pages     cache.Cache[pagination.Page]
	paginator *pagination.Paginator
	hub       *notify.Hub
	manager   *jobs.Manager
	server    *microservice.Server
	sweeper   *cache.Store[pagination.Page]
	closers   []func(ctx context.Context) error
}

func newLogger(cfg microservice.BaseConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *app) gcpOptions() []option.ClientOption {
	if a.cfg.GCP.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(a.cfg.GCP.CredentialsFile)}
}

// wire builds every component from cfg. On error, already opened clients are
// closed before returning.
func wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: telemetry.New("asyncops")}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	itemsTable, jobsTable, err := a.tables(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.pageCache(ctx); err != nil {
		return nil, err
	}
	if err := a.metrics.RegisterCache("pages", a.pages.Metrics); err != nil {
		return nil, err
	}
	a.paginator, err = pagination.NewPaginator(cfg.Pagination, itemsTable, a.pages, a.metrics, logger)
	if err != nil {
		return nil, err
	}

	a.hub = notify.NewHub(cfg.Notify.Config, logger)
	if err := a.metrics.RegisterHub(a.hub.Stats); err != nil {
		return nil, err
	}

	dispatcher, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}

	executor := batch.NewExecutor[store.Item](cfg.Batch, a.metrics, logger)
	a.manager, err = jobs.NewManager(cfg.Jobs.Config, jobs.NewRepository(jobsTable, cfg.Retention()),
		executor, a.hub, dispatcher, a.metrics, logger)
	if err != nil {
		return nil, err
	}
	if err := a.registerTasks(ctx, itemsTable); err != nil {
		return nil, err
	}

	a.server = microservice.NewServer(logger, cfg.Service.HTTPPort, microservice.API{
		Jobs:        a.manager,
		Items:       a.paginator,
		ItemsFamily: config.ItemsFamily,
		Events:      a.hub,
		Metrics:     a.metrics.Handler(),
	})
	return a, nil
}

func (a *app) tables(ctx context.Context) (items, jobsTable store.Table, err error) {
	if a.cfg.Store.Backend != config.BackendFirestore {
		a.logger.Info().Msg("Using in-memory store.")
		return store.NewMemoryTable(a.cfg.Pagination.Indexes...), store.NewMemoryTable(jobs.Indexes()...), nil
	}

	fsCfg := &store.FirestoreConfig{
		ProjectID:       a.cfg.GCP.ProjectID,
		CredentialsFile: a.cfg.GCP.CredentialsFile,
	}
	client, err := store.NewFirestoreClient(ctx, fsCfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	a.onClose(func(context.Context) error { return client.Close() })

	itemsCfg := *fsCfg
	itemsCfg.CollectionName = a.cfg.Store.ItemsCollection
	itemsCfg.Indexes = a.cfg.Pagination.Indexes
	itemsTable, err := store.NewFirestoreTable(&itemsCfg, client, a.logger)
	if err != nil {
		return nil, nil, err
	}
	jobsCfg := *fsCfg
	jobsCfg.CollectionName = a.cfg.Store.JobsCollection
	jobsCfg.Indexes = jobs.Indexes()
	jt, err := store.NewFirestoreTable(&jobsCfg, client, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return itemsTable, jt, nil
}

func (a *app) pageCache(ctx context.Context) error {
	if a.cfg.Cache.Redis != nil {
		redisCfg := *a.cfg.Cache.Redis
		if redisCfg.CacheTTL <= 0 {
			redisCfg.CacheTTL = a.cfg.Cache.DefaultTTL
		}
		rs, err := cache.NewRedisStore[pagination.Page](ctx, &redisCfg, a.logger)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return rs.Close() })
		a.pages = rs
		return nil
	}
	s, err := cache.NewStore[pagination.Page](a.cfg.Cache.Config, a.logger)
	if err != nil {
		return err
	}
	a.pages = s
	a.sweeper = s
	return nil
}

func (a *app) dispatcher(ctx context.Context) (notify.Dispatcher, error) {
	if a.cfg.Notify.TopicID == "" {
		return notify.NewLogDispatcher(a.logger), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.GCP.ProjectID, a.gcpOptions()...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	a.onClose(func(context.Context) error { return client.Close() })
	d, err := notify.NewPubsubDispatcher(ctx, client, a.cfg.Notify.TopicID, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(d.Stop)
	return d, nil
}

func (a *app) registerTasks(ctx context.Context, items store.Table) error {
	writer := jobs.NewBulkWriter(items)
	writer.OnWritten = func(ctx context.Context) {
		a.paginator.InvalidateFamily(ctx, config.ItemsFamily)
	}
	a.manager.RegisterTask(jobs.TypeBulkOperation, writer.NewTask)

	if a.cfg.Jobs.Export.BucketName != "" {
		client, err := storage.NewClient(ctx, a.gcpOptions()...)
		if err != nil {
			return fmt.Errorf("storage.NewClient: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		exporter, err := jobs.NewGCSExporter(jobs.NewGCSClientAdapter(client), a.cfg.Jobs.Export, a.logger)
		if err != nil {
			return err
		}
		a.manager.RegisterTask(jobs.TypeExport, exporter.NewTask)
	}

	if a.cfg.ReportsEnabled() {
		bqCfg := &jobs.BigQueryConfig{
			ProjectID:       a.cfg.GCP.ProjectID,
			DatasetID:       a.cfg.Jobs.ReportDataset,
			TableID:         a.cfg.Jobs.ReportTable,
			CredentialsFile: a.cfg.GCP.CredentialsFile,
		}
		client, err := jobs.NewBigQueryClient(ctx, bqCfg, a.logger)
		if err != nil {
			return err
		}
		a.onClose(func(context.Context) error { return client.Close() })
		sink, err := jobs.NewBigQueryReportSink(ctx, client, bqCfg, a.logger)
		if err != nil {
			return err
		}
		gen, err := jobs.NewReportGenerator(sink, a.logger)
		if err != nil {
			return err
		}
		a.manager.RegisterTask(jobs.TypeReportGeneration, gen.NewTask)
	}
	return nil
}

// start recovers interrupted jobs and starts the background loops. Jobs run
// under runCtx.
func (a *app) start(ctx, runCtx context.Context) error {
	changed, err := a.manager.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	for _, job := range changed {
		if job.Status == jobs.StatusQueued {
			// Items are not persisted, so a requeued job waits for its owner to resubmit.
			a.logger.Warn().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Msg("Job requeued after restart, awaiting resubmission.")
		}
	}
	a.manager.Start(runCtx)
	a.hub.Start(runCtx)
	if a.sweeper != nil {
		a.sweeper.Start(runCtx)
	}
	return a.server.Start()
}

// stop shuts the service down: streams first so the HTTP server can drain,
// then running jobs, then the clients. interrupt cancels jobs still running
// once the manager's drain window has passed.
func (a *app) stop(ctx context.Context, interrupt context.CancelFunc) error {
	var errs []error
	if a.hub != nil {
		a.hub.Close()
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.manager != nil {
		if err := a.manager.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	interrupt()
	if err := a.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}
