package app

import (
	"context"
	"net"
	"net/http"
	"time"

	reuse "github.com/libp2p/go-reuseport"

	movhttp "github.com/range-sharding/chunkmover/http"
	"github.com/range-sharding/chunkmover/pkg/catalog"
	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/coord"
	"github.com/range-sharding/chunkmover/pkg/messenger"
	"github.com/range-sharding/chunkmover/pkg/movlog"
	"github.com/range-sharding/chunkmover/pkg/rangecleanup"
	"github.com/range-sharding/chunkmover/pkg/statistics"
	"github.com/range-sharding/chunkmover/taskdb"
)

// App assembles one mover node: the persisted task store, the collection
// catalog, the cleanup scheduler and the migration coordinator, served over
// the HTTP control surface.
type App struct {
	db    taskdb.TaskDB
	cat   catalog.Catalog
	coord *coord.MigrationCoordinator
	sched *rangecleanup.CleanupScheduler
}

// NewApp builds the mover from the loaded configuration. Background cleanup
// work started later is bound to ctx.
func NewApp(ctx context.Context) (*App, error) {
	statistics.SetQuantiles(config.MoverConfig().TimeQuantiles)

	db, err := taskdb.NewTaskDB()
	if err != nil {
		return nil, err
	}

	cat := catalog.NewLocalCatalog()
	sched := rangecleanup.NewCleanupScheduler(ctx, db, cat, rangecleanup.NewPgCleaner())
	msgr := messenger.NewHTTPMessenger(messenger.NewStaticShardRegistry())

	return &App{
		db:    db,
		cat:   cat,
		coord: coord.NewMigrationCoordinator(db, cat, msgr, sched),
		sched: sched,
	}, nil
}

// Run serves the mover until ctx is cancelled. Recovery of persisted state
// is dispatched behind the serving socket so a freshly started node answers
// peers immediately.
func (app *App) Run(ctx context.Context) error {
	movlog.Zero.Info().
		Str("shard_id", config.MoverConfig().ShardID).
		Msg("running mover app")

	app.sched.DispatchRecoverySweep()
	app.coord.DispatchRecoveryResume(ctx)

	return app.ServeHTTP(ctx)
}

// ServeHTTP runs the mover control surface on the configured address.
func (app *App) ServeHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	movhttp.Register(mux, movhttp.NewMoverService(app.db, app.cat, app.coord, app.sched))

	address := net.JoinHostPort(config.MoverConfig().Host, config.MoverConfig().APIPort)

	var listener net.Listener
	var err error
	if config.MoverConfig().ReusePort {
		listener, err = reuse.Listen("tcp", address)
	} else {
		listener, err = net.Listen("tcp", address)
	}
	if err != nil {
		return err
	}
	defer func(listener net.Listener) {
		_ = listener.Close()
	}(listener)

	server := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	movlog.Zero.Info().
		Str("address", address).
		Msg("mover API is ready")

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}

	movlog.Zero.Debug().Msg("exit mover app")
	return nil
}
