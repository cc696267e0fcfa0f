// README: Entry point; loads config, wires backends and services, starts HTTP server and the offer sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ridehail/internal/config"
	"ridehail/internal/events"
	httptransport "ridehail/internal/http"
	"ridehail/internal/infra"
	"ridehail/internal/modules/acceptance"
	"ridehail/internal/modules/dispatch"
	"ridehail/internal/modules/geo"
	"ridehail/internal/modules/matching"
	"ridehail/internal/modules/negotiation"
	"ridehail/internal/modules/pricing"
	"ridehail/internal/modules/ride"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("ridehail-api stopped")
	}
}

type backends struct {
	pg       *pgxpool.Pool
	redis    *redis.Client
	firebase *firebase.App
	closers  []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Entry) error {
	b := &backends{}
	defer b.close()

	if cfg.Store.Backend == "postgres" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		b.pg = pool
		b.closers = append(b.closers, pool.Close)
	}
	if cfg.Geo.Backend == "redis" {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return err
		}
		b.redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
	}
	if cfg.Firebase.ProjectID != "" || cfg.Firebase.DatabaseURL != "" {
		app, err := infra.NewFirebaseApp(ctx, infra.FirebaseOptions{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.CredentialsFile,
			DatabaseURL:     cfg.Firebase.DatabaseURL,
		})
		if err != nil {
			return err
		}
		b.firebase = app
	}

	bus, err := newBus(cfg, log, b)
	if err != nil {
		return err
	}

	var index geo.Index = geo.NewMemoryIndex(cfg.Matching.FreshnessWindow)
	if b.redis != nil {
		index = geo.NewRedisIndex(b.redis, cfg.Matching.FreshnessWindow)
	}
	geoSvc := geo.NewService(index, bus, log.WithField("module", "geo"), cfg.Store.Timeout)

	speed := matching.SpeedETA{AvgSpeedKmh: cfg.Matching.AvgSpeedKmh}
	var eta matching.ETAEstimator = speed
	if cfg.Matching.MapsAPIKey != "" {
		maps, err := matching.NewMapsETA(cfg.Matching.MapsAPIKey, speed)
		if err != nil {
			return err
		}
		eta = maps
	}
	matchSvc := matching.NewService(geoSvc, eta, cfg.Matching, log.WithField("module", "matching"))

	ledger := negotiation.NewLedger(cfg.Negotiation, log.WithField("module", "negotiation"))

	var offers dispatch.OfferStore = dispatch.NewMemoryOfferStore()
	if b.redis != nil {
		offers = dispatch.NewRedisOfferStore(b.redis)
	}
	notifier, err := newNotifier(ctx, cfg, log, b)
	if err != nil {
		return err
	}
	rideStore, err := newRideStore(ctx, cfg, b)
	if err != nil {
		return err
	}
	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Store:    offers,
		Rides:    rideStore,
		Matcher:  matchSvc,
		Ledger:   ledger,
		Notifier: notifier,
		Bus:      bus,
		Log:      log.WithField("module", "dispatch"),
	}, cfg.Dispatch, dispatch.Options{Timeout: cfg.Store.Timeout})

	var rates pricing.RateSource = pricing.DefaultRates()
	if b.pg != nil {
		rates = pricing.NewStore(b.pg)
	}
	rideSvc := ride.NewService(ride.Deps{
		Store:   rideStore,
		Ledger:  ledger,
		Pricing: pricing.NewService(rates),
		Drivers: geoSvc,
		Offers:  dispatchSvc,
		Bus:     bus,
		Log:     log.WithField("module", "ride"),
	}, ride.Options{Timeout: cfg.Store.Timeout, AvgSpeedKmh: cfg.Matching.AvgSpeedKmh})

	arbiter := acceptance.NewArbiter(rideSvc, dispatchSvc, geoSvc, log.WithField("module", "acceptance"))

	var verifier infra.TokenVerifier
	if b.firebase != nil && cfg.Firebase.ProjectID != "" {
		verifier, err = infra.NewFirebaseVerifier(ctx, b.firebase)
		if err != nil {
			return err
		}
	} else {
		log.Warn("no firebase project configured; API runs without authentication")
	}

	server := httptransport.NewServer(httptransport.ServerDeps{
		Rides:    rideSvc,
		Dispatch: dispatchSvc,
		Arbiter:  arbiter,
		Geo:      geoSvc,
		Matching: matchSvc,
		Verifier: verifier,
		Log:      log.WithField("module", "http"),
	})

	go dispatchSvc.RunExpirySweep(ctx)

	log.WithFields(logrus.Fields{
		"store":  cfg.Store.Backend,
		"geo":    cfg.Geo.Backend,
		"notify": cfg.Notify.Channel,
	}).Info("ridehail-api starting")
	return server.ListenAndServe(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)
}

func newBus(cfg config.Config, log *logrus.Entry, b *backends) (events.Bus, error) {
	if cfg.NATS.URL != "" {
		conn, err := infra.NewNATS(cfg.NATS.URL, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, conn.Close)
		return events.NewNATSBus(conn, log.WithField("module", "events")), nil
	}
	bus := events.NewLocalBus(1024, log.WithField("module", "events"))
	bus.Start()
	b.closers = append(b.closers, bus.Stop)
	if _, err := bus.Subscribe(events.All, func(e events.Event) {
		log.WithFields(logrus.Fields{"type": e.Type, "ride_id": e.RideID, "driver_id": e.DriverID}).Debug("event")
	}); err != nil {
		return nil, err
	}
	return bus, nil
}

func newNotifier(ctx context.Context, cfg config.Config, log *logrus.Entry, b *backends) (dispatch.Notifier, error) {
	switch cfg.Notify.Channel {
	case "fcm":
		if b.firebase == nil {
			return nil, errors.New("fcm notifications need a firebase project")
		}
		rtdb, err := infra.NewRealtimeDB(ctx, b.firebase)
		if err != nil {
			return nil, err
		}
		fcm, err := infra.NewMessaging(ctx, b.firebase)
		if err != nil {
			return nil, err
		}
		return dispatch.NewFCMNotifier(rtdb, fcm), nil
	case "nats":
		conn, err := infra.NewNATS(cfg.NATS.URL, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, conn.Close)
		return dispatch.NewNATSNotifier(conn), nil
	default:
		return dispatch.LogNotifier{Log: log.WithField("module", "notify")}, nil
	}
}

func newRideStore(ctx context.Context, cfg config.Config, b *backends) (ride.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return ride.NewPostgresStore(b.pg), nil
	case "firebase":
		if b.firebase == nil {
			return nil, errors.New("firebase store needs a database url")
		}
		client, err := infra.NewRealtimeDB(ctx, b.firebase)
		if err != nil {
			return nil, err
		}
		return ride.NewFirebaseStore(client), nil
	case "memory", "":
		return ride.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
