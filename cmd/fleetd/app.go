package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/simpleclaw/fleet/internal/api"
	"github.com/simpleclaw/fleet/internal/authn"
	"github.com/simpleclaw/fleet/internal/config"
	"github.com/simpleclaw/fleet/internal/converge"
	"github.com/simpleclaw/fleet/internal/lifecycle"
	"github.com/simpleclaw/fleet/internal/model"
	"github.com/simpleclaw/fleet/internal/modelrouter"
	"github.com/simpleclaw/fleet/internal/notify"
	"github.com/simpleclaw/fleet/internal/payments"
	"github.com/simpleclaw/fleet/internal/pool"
	"github.com/simpleclaw/fleet/internal/provider"
	"github.com/simpleclaw/fleet/internal/queue"
	"github.com/simpleclaw/fleet/internal/sshx"
	"github.com/simpleclaw/fleet/internal/state"
	"github.com/simpleclaw/fleet/internal/sweeper"
)

// cronJobTimeout bounds one scheduled maintenance pass.
const cronJobTimeout = 25 * time.Minute

type fleetApp struct {
	cfg        *config.EnvConfig
	store      *state.Store
	dispatcher *queue.Dispatcher
	cron       *cron.Cron
	srv        *api.Server
}

func run() error {
	cfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	st, err := state.Bootstrap(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("state bootstrap: %w", err)
	}
	log.Println("State bootstrap complete")

	app, err := newFleetApp(cfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}

	serverErrCh := app.start()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := st.Close(); err != nil {
		log.Printf("State close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newFleetApp(cfg *config.EnvConfig, st *state.Store) (*fleetApp, error) {
	app := &fleetApp{cfg: cfg, store: st}

	// OAuth verifiers fetch their JWKS up front and refresh in the
	// background for the life of the process.
	google, err := authn.NewGoogleVerifier(context.Background(), cfg.GoogleClientID)
	if err != nil {
		return nil, fmt.Errorf("google verifier: %w", err)
	}
	apple, err := authn.NewAppleVerifier(context.Background(), cfg.AppleBundleID)
	if err != nil {
		return nil, fmt.Errorf("apple verifier: %w", err)
	}

	engine := converge.NewEngine(cfg.OpenclawPath, cfg.RuntimeImage, cfg.GatewayPort, cfg.RouterModelPrefix)
	engine.ExecTimeout = cfg.SSHExecTimeout
	engine.PullTimeout = cfg.ImagePullTimeout
	engine.ApplyBudget = cfg.ApplyVerifyTimeout

	dial := func(ctx context.Context, tgt sshx.Target) (sshx.Runner, error) {
		return sshx.Dial(ctx, tgt)
	}

	tg := notify.NewClient()
	notifier := &notify.Notifier{
		Sender:        tg,
		AdminBotToken: cfg.AdminBotToken,
		AdminChatID:   cfg.AdminChatID,
		SalesBotToken: cfg.SalesBotToken,
	}

	router := modelrouter.NewClient(cfg.RouterBaseURL, cfg.RouterAdminKey)
	gateway := payments.NewClient(cfg.PaymentsBaseURL, cfg.PaymentsShopID, cfg.PaymentsSecretKey)
	prov := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderToken, cfg.ProviderPresetID, cfg.ProviderOSTag)

	ctl := lifecycle.NewController(st, engine, dial, notifier)
	maintainer := &pool.Maintainer{
		Store:    st,
		Provider: prov,
		Engine:   engine,
		Dial:     dial,
		Notifier: notifier,

		MinAvailable: cfg.PoolMinAvailable,
		MaxTotal:     cfg.PoolMaxTotal,
		WaitReady:    cfg.ProviderWaitTimeout,
		OpenclawPath: cfg.OpenclawPath,
	}
	health := &pool.HealthMonitor{Store: st, Engine: engine, Dial: dial, Notifier: notifier}

	coord := &lifecycle.Coordinator{
		Store:      st,
		Controller: ctl,
		Router:     router,
		Gateway:    gateway,
		Sender:     tg,
		Notifier:   notifier,
		Creator:    maintainer,

		Price:           cfg.SubscriptionPriceUSD,
		Currency:        cfg.SubscriptionCurrency,
		MonthlyLimitUSD: cfg.MonthlyLimitUSD,
		ReturnURL:       cfg.CheckoutReturnURL,
		MaxTotal:        cfg.PoolMaxTotal,
	}
	sweep := &sweeper.Sweeper{
		Store:      st,
		Gateway:    gateway,
		Router:     router,
		Controller: ctl,
		Notifier:   notifier,

		Price:           cfg.SubscriptionPriceUSD,
		Currency:        cfg.SubscriptionCurrency,
		MonthlyLimitUSD: cfg.MonthlyLimitUSD,
	}

	app.dispatcher = queue.NewDispatcher(st, cfg.DeployParallelism)
	userJob := func(fn func(ctx context.Context, userID int64) error) queue.Handler {
		return func(ctx context.Context, job *model.Job) error {
			var payload struct {
				UserID int64 `json:"user_id"`
			}
			if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
				return fmt.Errorf("%s payload: %w", job.Kind, err)
			}
			return fn(ctx, payload.UserID)
		}
	}
	app.dispatcher.Register(lifecycle.JobKindProvision, userJob(coord.ProvisionUser))
	app.dispatcher.Register(lifecycle.JobKindRedeploy, userJob(coord.RedeployUser))

	app.cron = cron.New()
	schedule := func(name, expr string, fn func(ctx context.Context)) error {
		_, err := app.cron.AddFunc(expr, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cronJobTimeout)
			defer cancel()
			fn(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
		}
		return nil
	}
	if err := schedule("pool maintenance", cfg.PoolSchedule, func(ctx context.Context) {
		maintainer.Run(ctx)
		health.Run(ctx)
	}); err != nil {
		return nil, err
	}
	if err := schedule("billing sweep", cfg.SweepSchedule, sweep.Run); err != nil {
		return nil, err
	}
	if err := schedule("key limit reset", cfg.KeyResetSchedule, sweep.ResetMonthlyLimits); err != nil {
		return nil, err
	}

	app.srv = api.NewServer(cfg.ListenAddress, cfg.Port, int64(cfg.APIMaxBodyBytes), api.Deps{
		Store:       st,
		Google:      google,
		Apple:       apple,
		Controller:  ctl,
		Coordinator: coord,
		Router:      router,
		Marketplace: converge.NewMarketplace(),

		AdminToken:    cfg.AdminToken,
		WebhookSecret: cfg.WebhookSecret,
		GatewayPort:   cfg.GatewayPort,
	})
	return app, nil
}

// start brings up the queue, the schedules and the API server. The
// returned channel carries a fatal server error, if any.
func (a *fleetApp) start() <-chan error {
	errCh := make(chan error, 1)

	if err := a.dispatcher.Start(); err != nil {
		errCh <- err
		return errCh
	}
	a.cron.Start()
	log.Printf("Schedules started: pool %q, sweep %q, key reset %q",
		a.cfg.PoolSchedule, a.cfg.SweepSchedule, a.cfg.KeyResetSchedule)

	go func() {
		log.Printf("fleet API server starting on %s:%d", a.cfg.ListenAddress, a.cfg.Port)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// shutdown stops intake first (API), then the schedules, then waits for
// in-flight jobs.
func (a *fleetApp) shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}

	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		log.Println("Timed out waiting for scheduled jobs")
	}

	a.dispatcher.Stop()
	log.Println("Shutdown complete")
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}
