// Package daemon wires the dialer's components together and owns their
// runtime lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ringflow/dialer/internal/api"
	"github.com/ringflow/dialer/internal/breaker"
	"github.com/ringflow/dialer/internal/broker"
	"github.com/ringflow/dialer/internal/callstore"
	"github.com/ringflow/dialer/internal/coldstart"
	"github.com/ringflow/dialer/internal/config"
	"github.com/ringflow/dialer/internal/coord"
	"github.com/ringflow/dialer/internal/dispatch"
	"github.com/ringflow/dialer/internal/janitor"
	"github.com/ringflow/dialer/internal/lease"
	"github.com/ringflow/dialer/internal/ledger"
	xlog "github.com/ringflow/dialer/internal/log"
	"github.com/ringflow/dialer/internal/promoter"
	"github.com/ringflow/dialer/internal/reconcile"
	"github.com/ringflow/dialer/internal/telephony"
	"github.com/ringflow/dialer/internal/waitlist"
)

// shutdownTimeout bounds the graceful HTTP drain.
const shutdownTimeout = 15 * time.Second

// App owns every long-lived component of the dialer daemon.
type App struct {
	cfg      config.Config
	rdb      *redis.Client
	store    *callstore.Store
	promoter *promoter.Promoter
	worker   *broker.Worker
	janitor  *janitor.Janitor
	server   *http.Server
}

// New connects to both stores and wires the component graph. The provider
// may be nil, in which case the production HTTP provider is built from cfg;
// tests inject fakes.
func New(cfg config.Config, provider telephony.Provider) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rdb, err := coord.NewClient(coord.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, xlog.WithComponent("coord"))
	if err != nil {
		return nil, err
	}

	store, err := callstore.Open(cfg.DBPath)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	leases := lease.NewManager(rdb, lease.Config{
		PreDialTTL:    cfg.PreDialTTL,
		PreDialTTLMax: cfg.PreDialTTLMax,
		ActiveTTL:     cfg.ActiveTTL,
	}, xlog.WithComponent("lease"))
	led := ledger.New(rdb, xlog.WithComponent("ledger"))
	wl := waitlist.New(rdb, waitlist.Fairness{
		High:   cfg.FairnessHigh,
		Normal: cfg.FairnessNormal,
	}, xlog.WithComponent("waitlist"))
	brk := breaker.New(rdb, breaker.Config{
		Threshold:    cfg.CircuitThreshold,
		Window:       cfg.CircuitWindow,
		Cooldown:     cfg.CircuitCooldown,
		DefaultBatch: cfg.PromoteBatch,
	}, xlog.WithComponent("breaker"))
	guard := coldstart.New(rdb, store, coldstart.Config{
		Grace:         cfg.ColdStartGrace,
		DoneTTL:       cfg.ColdStartDone,
		PreDialTTLMax: cfg.PreDialTTLMax,
		ActiveTTL:     cfg.ActiveTTL,
	}, xlog.WithComponent("coldstart"))
	queue := broker.New(rdb, broker.Config{
		Retention: cfg.BrokerRetention,
	}, xlog.WithComponent("broker"))

	if provider == nil {
		provider = telephony.NewHTTPProvider(telephony.Config{
			BaseURL:     cfg.TelephonyBaseURL,
			APIKey:      cfg.TelephonyToken,
			CallbackURL: cfg.TelephonyCallback,
			CPS:         cfg.TelephonyCPS,
		}, xlog.WithComponent("telephony"))
	}

	prom := promoter.New(rdb, wl, brk, guard, queue, store, promoter.Config{
		GateTTL:  cfg.GateTTL,
		Interval: cfg.PromoteInterval,
	}, xlog.WithComponent("promoter"))

	disp := dispatch.New(leases, led, wl, queue, store, provider, brk, guard, dispatch.Config{
		PreDialTTL: cfg.PreDialTTL,
		From:       cfg.DefaultCallerID,
	}, xlog.WithComponent("dispatch"))
	worker := broker.NewWorker(queue, disp.Handle, xlog.WithComponent("worker"))
	// A freed broker slot means a claim is imminent; poke the worker instead
	// of waiting out its poll interval.
	prom.OnEnqueued(worker.Wake)

	rec := reconcile.New(leases, store, wl, brk, xlog.WithComponent("reconcile"))

	jan := janitor.New(rdb, leases, led, wl, guard, queue, store, store, janitor.Config{
		Interval:       cfg.JanitorInterval,
		ReservationTTL: cfg.ReservationTTL,
	}, xlog.WithComponent("janitor"))

	apiSrv := api.New(rdb, store, leases, wl, brk, rec, prom, xlog.WithComponent("api"))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:      cfg,
		rdb:      rdb,
		store:    store,
		promoter: prom,
		worker:   worker,
		janitor:  jan,
		server:   server,
	}, nil
}

// Run starts all components and blocks until ctx is cancelled or one of them
// fails. Shutdown drains the HTTP server before returning.
func (a *App) Run(ctx context.Context) error {
	logger := xlog.WithComponent("daemon")
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(a.promoter.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.worker.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.janitor.Run(ctx)) })

	g.Go(func() error {
		logger.Info().Str("addr", a.cfg.ListenAddr).Msg("http server listening")
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logger.Info().Msg("daemon stopped")
	return err
}

// Close releases the store connections after Run returns.
func (a *App) Close() error {
	storeErr := a.store.Close()
	redisErr := a.rdb.Close()
	if storeErr != nil {
		return storeErr
	}
	return redisErr
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
