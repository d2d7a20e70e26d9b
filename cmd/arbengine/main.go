// Command arbengine is the process entrypoint and HTTP/metrics server.
//
// Boot sequence, grounded on the teacher's main.go:
//  1. config.Load(path)       - TOML + env
//  2. wire venue clients, FX source, notifier, position store
//  3. mark a prior still-Running session Crashed and recover its open
//     positions from the store
//  4. start one monitor per configured coin, sharing a GlobalState
//  5. serve /healthz and /metrics on cfg.Port
//  6. run until SIGINT/SIGTERM, then shut down the HTTP server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbpair/zengine/internal/config"
	"github.com/arbpair/zengine/internal/exec"
	"github.com/arbpair/zengine/internal/fx"
	"github.com/arbpair/zengine/internal/logging"
	"github.com/arbpair/zengine/internal/monitor"
	"github.com/arbpair/zengine/internal/notifier"
	"github.com/arbpair/zengine/internal/policy"
	"github.com/arbpair/zengine/internal/position"
	"github.com/arbpair/zengine/internal/venue/bybit"
	"github.com/arbpair/zengine/internal/venue/upbit"
)

func main() {
	var configPath string
	var sim bool
	flag.StringVar(&configPath, "config", "config.toml", "path to config.toml")
	flag.BoolVar(&sim, "sim", false, "run with SimPolicy instead of live order execution")
	flag.Parse()

	log := logging.Default().Component("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("config load failed", "error", err)
	}
	if sim {
		cfg.DryRun = true
	}

	sessionID := uuid.NewString()

	upbitClient := upbit.New(cfg.Upbit.BaseURL, cfg.Upbit.APIKey, cfg.Upbit.APISecret)
	bybitClient := bybit.New(cfg.Bybit.BaseURL, cfg.Bybit.APIKey, cfg.Bybit.APISecret)

	fxClient := fx.NewClient(cfg.FXSourceURL, cfg.FXTTL, 30*time.Second)

	var notify notifier.Notifier = notifier.NoopNotifier{}
	if cfg.NotifierToken != "" && cfg.NotifierChat != "" {
		notify = notifier.NewTelegramNotifier(cfg.NotifierToken, cfg.NotifierChat)
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal("position store init failed", "error", err)
	}

	// Crash recovery (spec §4.3): a prior run still marked Running never
	// reached a clean shutdown. Mark it Crashed and recover its open
	// positions before starting this run's own session row.
	var recoveredByCoin map[string]position.Record
	prior, hadPrior, err := store.PriorSession(context.Background())
	if err != nil {
		log.Warn("crash recovery: PriorSession lookup failed, starting with no adopted positions", "error", err)
	}
	if hadPrior {
		if err := store.EndSession(context.Background(), prior, position.SessionCrashed); err != nil {
			log.Error("crash recovery: failed to mark prior session Crashed", "prior_session_id", prior, "error", err)
		}
		recovered, err := store.LoadOpen(context.Background(), prior)
		if err != nil {
			log.Warn("crash recovery: LoadOpen failed, starting with no adopted positions", "prior_session_id", prior, "error", err)
		}
		recoveredByCoin = make(map[string]position.Record, len(recovered))
		for _, rec := range recovered {
			recoveredByCoin[rec.Coin] = rec
		}
		log.Warn("crash recovery: prior session found", "prior_session_id", prior, "recovered_positions", len(recovered))
	}
	if err := store.StartSession(context.Background(), sessionID, prior); err != nil {
		log.Fatal("failed to record session start", "session_id", sessionID, "error", err)
	}
	log.Info("starting session", "session_id", sessionID, "prior_session_id", prior, "dry_run", cfg.DryRun, "coins", cfg.Strategy.Coins)

	balances := exec.NewBalanceTracker(nil)

	var pol policy.ExecutionPolicy
	if cfg.DryRun {
		pol = policy.NewSimPolicy(cfg.SimFee)
	} else {
		executor := exec.NewExecutor(exec.DefaultConfig(), upbitClient, bybitClient, store, balances, notify)
		pol = policy.NewLivePolicy(executor, store, policy.AlwaysAllow{}, notify)
	}

	global := monitor.NewGlobalState()
	mcfg := monitor.DefaultConfig()
	mcfg.WindowSize = cfg.Strategy.WindowSize
	mcfg.EntryZ = cfg.Strategy.EntryZ
	mcfg.ExitZ = cfg.Strategy.ExitZ
	mcfg.MinStddevThreshold = cfg.Strategy.MinStddevThreshold
	mcfg.RoundTripFeePct = cfg.RoundTripFeePct()
	mcfg.TotalCapitalUSDT = cfg.Strategy.TotalCapitalUSDT
	mcfg.PositionRatio = cfg.Strategy.PositionRatio
	mcfg.MaxConcurrentPositions = cfg.Strategy.MaxConcurrentPositions

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fxClient.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("fx client stopped", "error", err)
		}
	}()

	for _, coin := range cfg.Strategy.Coins {
		deps := monitor.Deps{
			Coin:        coin,
			UpbitMarket: upbitClient.MarketCode(coin, "KRW"),
			BybitMarket: bybitClient.MarketCode(coin, "USDT"),
			UpbitMD:     upbitClient,
			BybitMD:     bybitClient,
			FX:          fxClient,
			Policy:      pol,
			Store:       store,
			Balances:    balances,
			Notify:      notify,
			Global:      global,
			SessionID:   sessionID,
		}
		m := monitor.New(deps, mcfg)
		if rec, ok := recoveredByCoin[coin]; ok {
			log.Warn("adopting recovered position", "coin", coin, "position_id", rec.ID, "state", rec.State)
			m.AdoptRecovered(rec)
			global.Inc()
		}

		wg.Add(1)
		go func(mm *monitor.Monitor, c string) {
			defer wg.Done()
			if err := mm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("monitor exited", "coin", c, "error", err)
			}
		}(m, coin)

		bybitStream := bybit.NewStream(bybit.DefaultStreamConfig(bybitStreamURL), bybitClient, []string{deps.BybitMarket})
		wg.Add(1)
		go func(mm *monitor.Monitor, coin string, stream *bybit.Stream) {
			defer wg.Done()
			go func() {
				for t := range stream.Ticks() {
					mm.PushTick(monitor.Tick{Venue: "bybit", Coin: coin, Price: t.Price, Ts: t.Ts})
				}
			}()
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("bybit stream exited", "coin", coin, "error", err)
			}
		}(m, coin, bybitStream)

		wg.Add(1)
		go func(mm *monitor.Monitor, coin, market string) {
			defer wg.Done()
			pollUpbit(ctx, upbitClient, mm, coin, market)
		}(m, coin, deps.UpbitMarket)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info("serving", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down, draining monitors")
	wg.Wait()

	if err := store.EndSession(context.Background(), sessionID, position.SessionGracefulStop); err != nil {
		log.Error("failed to record session end", "session_id", sessionID, "error", err)
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}

const bybitStreamURL = "wss://stream.bybit.com/v5/public/linear"

// pollUpbit polls Upbit's ticker at a fixed interval since Upbit has no
// public websocket client wired in this module; the Bybit leg streams,
// the Upbit leg polls, and the monitor treats whichever venue's tick
// arrives as the latest price per spec §6.
func pollUpbit(ctx context.Context, client *upbit.Client, mm *monitor.Monitor, coin, market string) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tickers, err := client.GetTicker(ctx, []string{market})
			if err != nil || len(tickers) == 0 {
				continue
			}
			t := tickers[0]
			mm.PushTick(monitor.Tick{Venue: "upbit", Coin: coin, Price: t.Last, Ts: t.Ts})
		case <-ctx.Done():
			return
		}
	}
}

func buildStore(cfg config.Config) (position.Store, error) {
	if cfg.DatabaseURL == "" {
		return position.NewMemStore(), nil
	}
	return position.NewGormStore(cfg.DatabaseURL)
}
