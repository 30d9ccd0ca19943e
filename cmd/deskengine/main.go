// Command deskengine runs the trading desk: order book, ledger, paper or
// IBKR execution, the interop buses, the REST API and the agent endpoint.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"tradedesk/config"
	"tradedesk/internal/agent"
	"tradedesk/internal/api"
	"tradedesk/internal/breaker"
	"tradedesk/internal/engine"
	"tradedesk/internal/execution"
	"tradedesk/internal/gateway"
	"tradedesk/internal/interop"
	"tradedesk/internal/logger"
	"tradedesk/internal/metrics"
	"tradedesk/internal/model"
	"tradedesk/internal/notification"
	"tradedesk/internal/portfolio"
	"tradedesk/internal/settlement"
	redisstore "tradedesk/internal/store/redis"
	"tradedesk/pkg/ibkr"
)

var _ agent.Desk = (*engine.Engine)(nil)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[deskengine] starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[deskengine] config: %v", err)
	}
	logger.Init("deskengine", logger.ParseLevel(cfg.LogLevel))
	slog.Info("configuration loaded", slog.String("mode", cfg.Mode), slog.String("http", cfg.HTTPAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus(cfg.Mode)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Settlement calendar ----
	calendar := settlement.New(cfg.SettlementDays, settlement.DefaultHolidays())
	if cfg.HolidaysFile != "" {
		table, err := settlement.LoadHolidayFile(cfg.HolidaysFile)
		if err != nil {
			log.Fatalf("[deskengine] holidays: %v", err)
		}
		calendar.Merge(table)
	}

	// ---- Trade journal ----
	var journal *execution.Journal
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		journal, err = execution.NewJournal(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[deskengine] journal init failed: %v", err)
		}
		defer journal.Close()
		log.Printf("[deskengine] journal ready at %s", cfg.SQLitePath)
	}

	// ---- Interop buses ----
	hub := gateway.NewHub()
	buses := []interop.Bus{hub}

	var redisPub *redisstore.Publisher
	var redisBus *interop.RedisBus
	if cfg.RedisAddr != "" {
		redisPub, err = redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[deskengine] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			defer redisPub.Close()
			redisBus = interop.NewRedisBus(ctx, redisPub, watchBreaker(prom, "redis"), cfg.RedisChannelPrefix)
			buses = append(buses, redisBus)
		}
	}

	var kafkaBus *interop.KafkaBus
	if len(cfg.KafkaBrokers) > 0 {
		kafkaBus = interop.NewKafkaBus(interop.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), watchBreaker(prom, "kafka"))
		defer kafkaBus.Close()
		buses = append(buses, kafkaBus)
		log.Printf("[deskengine] kafka bus -> %v topic=%s", cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	// ---- Alerts ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewMulti(5*time.Second, backends...)
	defer alerts.Wait()

	// ---- Engine ----
	opts := engine.Options{
		Calendar: calendar,
		Risk: portfolio.RiskLimits{
			MaxPositionSize:  cfg.RiskMaxPosition,
			MaxOpenPositions: cfg.RiskMaxOpenPositions,
		},
		Broadcast: interop.Options{
			OrderCap:        cfg.OrderSnapshotCap,
			TradeCap:        cfg.OrderSnapshotCap,
			SummaryOrderCap: cfg.SummaryOrderCap,
		},
		Buses:       buses,
		ProposalTTL: cfg.ProposalTTL,
		Notifier:    alerts,
		Metrics:     prom,
	}
	if journal != nil {
		opts.Journal = journal
	}
	eng := engine.New(opts)
	defer eng.Close()
	eng.Seed(engine.DefaultWatchlist())
	if _, err := eng.SelectSymbol("AAPL"); err != nil {
		log.Printf("[deskengine] initial selection: %v", err)
	}
	eng.OnTrade = func(t model.Trade) { health.SetLastFillTime(t.Time) }

	g, gctx := errgroup.WithContext(ctx)

	// ---- Venue ----
	if cfg.IBKR() {
		venue, stream := setupIBKR(cfg, eng, health, prom, alerts)
		eng.UseVenue(venue)
		g.Go(func() error { return stream.Run(gctx) })
	} else {
		paperCfg := execution.DefaultPaperConfig()
		paperCfg.AckDelay = cfg.FillAckDelay
		paperCfg.FillDelay = cfg.FillStepDelay
		paper := execution.NewPaperVenue(paperCfg, nil, eng.LastPrice, nil)
		defer paper.Close()
		eng.UseVenue(paper)
		health.SetVenueConnected(true)
		prom.StreamState.Set(2)
		log.Println("[deskengine] paper venue attached")
	}

	// ---- Agent endpoint ----
	agentSrv := agent.NewServer(eng)
	agentSrv.OnCall = func(tool string, _ time.Duration, err error) {
		prom.ObserveToolCall(tool, err)
	}

	// ---- HTTP ----
	mux := api.NewRouter(eng, hub, health)
	agentSrv.RegisterRoutes(mux)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		log.Printf("[deskengine] HTTP listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Stop(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return eng.Run(gctx, cfg.BroadcastInterval) })

	g.Go(func() error {
		rdb := redisClient(redisPub)
		var pinger metrics.Pinger
		if journal != nil {
			pinger = journal
		}
		health.RunLivenessChecker(gctx, rdb, pinger, 10*time.Second)
		return nil
	})

	// Engine events -> agent notifications.
	g.Go(func() error {
		events := eng.Subscribe()
		defer eng.Unsubscribe(events)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				agentSrv.Notify(string(ev.Kind), ev)
			case <-ticker.C:
				n := agentSrv.SessionCount()
				health.SetAgentSessions(n)
				prom.AgentSessions.Set(float64(n))
			}
		}
	})

	// Inbound instrument selections from other desktop apps.
	if redisBus != nil {
		g.Go(func() error {
			err := redisBus.ListenSelections(gctx, func(inst interop.Instrument) {
				if _, err := eng.SelectSymbol(inst.ID.Ticker); err != nil {
					log.Printf("[deskengine] inbound selection %s: %v", inst.ID.Ticker, err)
				}
			})
			if err != nil && gctx.Err() == nil {
				log.Printf("[deskengine] selection listener stopped: %v", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		hub.RunStatus(gctx, 10*time.Second, func() interface{} { return health.Report() })
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("[deskengine] stopped with error: %v", err)
	}
	log.Println("[deskengine] shutdown complete")
}

// watchBreaker creates a bus breaker that mirrors its state to the gauge.
func watchBreaker(prom *metrics.Metrics, name string) *breaker.CircuitBreaker {
	cb := breaker.New(name, 5, 30*time.Second)
	gauge := prom.BusBreakerState.WithLabelValues(name)
	gauge.Set(float64(breaker.StateClosed))
	cb.OnStateChange = func(from, to breaker.State) {
		gauge.Set(float64(to))
		log.Printf("[deskengine] %s breaker %s -> %s", name, from, to)
	}
	return cb
}

func redisClient(p *redisstore.Publisher) *goredis.Client {
	if p == nil {
		return nil
	}
	return p.Client()
}

// setupIBKR builds the gateway venue and its order stream.
func setupIBKR(cfg *config.Config, eng *engine.Engine, health *metrics.HealthStatus, prom *metrics.Metrics, alerts notification.Notifier) (*ibkr.Venue, *ibkr.Stream) {
	client, err := ibkr.NewClient(ibkr.Config{
		BaseURL:     cfg.IBKRBaseURL,
		AccountID:   cfg.IBKRAccount,
		InsecureTLS: cfg.IBKRInsecure,
		CacheTTL:    cfg.IBKRCacheTTL,
	})
	if err != nil {
		log.Fatalf("[deskengine] ibkr client: %v", err)
	}
	venue := ibkr.NewVenue(client, nil)
	venue.OnTerminal = eng.VenueTerminal

	stream := ibkr.NewStream(ibkr.WebsocketURL(cfg.IBKRBaseURL), cfg.IBKRInsecure)
	stream.OnOrders = venue.HandleOrders
	stream.OnOpen = func() {
		health.SetVenueConnected(true)
		prom.StreamState.Set(2)
	}
	stream.OnClose = func(err error) {
		health.SetVenueConnected(false)
		prom.StreamState.Set(0)
		alerts.Send(context.Background(), notification.VenueDown(venue.Name(), err))
	}
	prom.StreamState.Set(1)
	log.Printf("[deskengine] ibkr venue attached (%s)", cfg.IBKRBaseURL)
	return venue, stream
}
