// Package app wires the document space together from a Config.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/docspace/internal/aggregate"
	"github.com/fruitsalade/docspace/internal/config"
	"github.com/fruitsalade/docspace/internal/content"
	blobstore "github.com/fruitsalade/docspace/internal/content/local"
	s3backend "github.com/fruitsalade/docspace/internal/content/s3"
	"github.com/fruitsalade/docspace/internal/database"
	"github.com/fruitsalade/docspace/internal/editing"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/events"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/operations"
	"github.com/fruitsalade/docspace/internal/quota"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
	"github.com/fruitsalade/docspace/internal/storage/local"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty/fsclient"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty/memclient"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty/s3client"
	"github.com/fruitsalade/docspace/internal/tags"
	"github.com/fruitsalade/docspace/internal/upload"
)

// ProviderFactories are the mount backends the server can build.
var ProviderFactories = thirdparty.Factories{
	"memory": memclient.NewFromJSON,
	"fs":     fsclient.NewFromJSON,
	"s3":     s3client.NewFromJSON,
}

// App holds every long-lived component.
type App struct {
	Config *config.Config
	DB     *sql.DB

	Local       *local.Adapter
	Mounts      *thirdparty.Router
	Tags        tags.Store
	Permissions *sharing.PermissionStore
	Links       *sharing.LinkStore
	Security    *security.Filter
	Events      *events.Broadcaster

	Aggregate  *aggregate.Engine
	Operations *operations.Manager
	Tracker    *editing.Tracker
	Editing    *editing.Service
	Quota      *quota.Store
	Uploads    *upload.Manager

	blobs   content.Backend
	redis   *redis.Client
	closers []func() error
}

// New opens the database, applies the schema and builds every component.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logging.Info("connecting to database...", zap.String("driver", cfg.DatabaseDriver))
	if a.DB, err = database.Open(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)
	if err = database.Migrate(ctx, a.DB, cfg.DatabaseDriver); err != nil {
		return nil, err
	}

	if a.blobs, err = newContentBackend(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.blobs.Close)
	a.Local = local.New(a.DB, a.blobs, local.Config{
		MaxUploadSize:        cfg.MaxUploadSize,
		ChunkedMaxUploadSize: cfg.ChunkedMaxUploadSize,
		UseTrash:             cfg.UseTrash,
	})

	a.Mounts, err = thirdparty.NewRouter(ctx, thirdparty.NewMountStore(a.DB), ProviderFactories, thirdparty.Options{
		Timeout:       cfg.ProviderTimeout,
		CacheTTL:      cfg.ProviderCacheTTL,
		Retries:       cfg.ProviderRetries,
		MaxUploadSize: cfg.MaxUploadSize,
	})
	if err != nil {
		return nil, fmt.Errorf("mount router: %w", err)
	}
	a.closers = append(a.closers, a.Mounts.Close)

	if a.Tags, err = newTagStore(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Tags.Close)

	a.Permissions = sharing.NewPermissionStore(a.DB)
	a.Links = sharing.NewLinkStore(a.DB)
	a.Security = security.NewFilter(a.Permissions, security.Tree{Local: a.Local, Remote: a.Mounts})
	a.Events = events.NewBroadcaster()
	a.Tracker = editing.NewTracker(cfg.EditHeartbeatTimeout)

	a.Aggregate = &aggregate.Engine{
		Local:    a.Local,
		Remote:   a.Mounts,
		Mounts:   a.Mounts,
		Security: a.Security,
		Tags:     a.Tags,
		Editing:  a.Tracker,
	}
	a.Operations = operations.NewManager(operations.Deps{
		Local:    a.Local,
		Remote:   a.Mounts,
		Security: a.Security,
		Tags:     a.Tags,
		Editing:  a.Tracker,
		Grants:   a.Permissions,
		Events:   a.Events,
	}, operations.Config{
		Workers:    cfg.OperationWorkers,
		Retention:  cfg.OperationRetention,
		BufferSize: cfg.TransferBufferSize,
	})
	a.closers = append(a.closers, func() error { a.Operations.Close(); return nil })

	guard, err := a.newGuard(ctx)
	if err != nil {
		return nil, err
	}
	a.Editing = editing.NewService(editing.Deps{
		Local:    a.Local,
		Remote:   a.Mounts,
		Security: a.Security,
		Links:    a.Links,
		Tags:     a.Tags,
		Tracker:  a.Tracker,
		Guard:    guard,
		Signer:   editing.NewSigner(cfg.DocServiceJWTSecret, 0),
		Events:   a.Events,
	}, editing.Config{
		DocKeySecret:   cfg.DocKeySecret,
		MaxEditSize:    cfg.MaxEditSize,
		StoreForcesave: cfg.StoreForcesave,
	})

	a.Quota = quota.NewStore(a.DB, a.Local, cfg.DefaultMaxStorage)
	a.Uploads, err = upload.NewManager(upload.Deps{
		Local:    a.Local,
		Remote:   a.Mounts,
		Security: a.Security,
		Quota:    a.Quota,
		Marker:   a.Editing,
	}, upload.Config{TempDir: cfg.UploadTempDir, TTL: cfg.UploadSessionTTL})
	if err != nil {
		return nil, err
	}

	if _, err = a.Local.EnsureRoot(ctx, entry.FolderCommon, ""); err != nil {
		return nil, fmt.Errorf("ensure common root: %w", err)
	}
	logging.Info("docspace initialized",
		zap.String("content_backend", cfg.ContentBackend),
		zap.String("tag_store", cfg.TagStore),
		zap.String("revert_guard", cfg.RevertGuard))
	return a, nil
}

func newContentBackend(ctx context.Context, cfg *config.Config) (content.Backend, error) {
	var raw []byte
	var err error
	switch cfg.ContentBackend {
	case "s3":
		raw, err = json.Marshal(s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		raw, err = json.Marshal(blobstore.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true})
	}
	if err != nil {
		return nil, err
	}
	b, err := content.NewBackendFromConfig(ctx, cfg.ContentBackend, raw)
	if err != nil {
		return nil, fmt.Errorf("content backend: %w", err)
	}
	return b, nil
}

func newTagStore(cfg *config.Config) (tags.Store, error) {
	if cfg.TagStore == "memory" {
		return tags.NewMemoryStore(), nil
	}
	s, err := tags.OpenBadger(tags.BadgerConfig{Dir: cfg.TagStorePath})
	if err != nil {
		return nil, fmt.Errorf("open tag store: %w", err)
	}
	return s, nil
}

func (a *App) newGuard(ctx context.Context) (editing.Guard, error) {
	cfg := a.Config
	if cfg.RevertGuard != "redis" {
		return editing.NewMemoryGuard(cfg.RevertGuardTTL), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return editing.NewRedisGuard(a.redis, cfg.RevertGuardTTL), nil
}

// Run serves metrics and runs the background sweeps until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { a.Tracker.Run(ctx); return nil })
	g.Go(func() error { a.Uploads.Run(ctx); return nil })
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				database.UpdateConnectionMetrics(a.DB)
			}
		}
	})

	if a.Config.MetricsAddr != "" {
		srv := &http.Server{Addr: a.Config.MetricsAddr, Handler: metrics.Handler()}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", a.Config.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// Close releases everything in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
