package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/gridpay/meterd/internal/config"
	"github.com/gridpay/meterd/internal/handlers"
	"github.com/gridpay/meterd/internal/hardware"
	mW "github.com/gridpay/meterd/internal/middleware"
	"github.com/gridpay/meterd/internal/services"
	"github.com/gridpay/meterd/internal/storage"
)

func openStore(backend string) (storage.Store, func(), error) {
	switch backend {
	case "memory":
		return storage.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := storage.InitSQLite()
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		s, err := storage.InitPostgres()
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "redis":
		s := storage.InitRedis()
		if s == nil {
			return nil, nil, fmt.Errorf("redis backend unreachable")
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
}

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("meter.serial", "METER_SERIAL")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("storage.backend", "STORAGE_BACKEND")
	viper.BindEnv("storage.sqlite_path", "STORAGE_SQLITE_PATH")

	viper.BindEnv("storage.postgres.host", "DATABASE_HOST")
	viper.BindEnv("storage.postgres.port", "DATABASE_PORT")
	viper.BindEnv("storage.postgres.user", "DATABASE_USER")
	viper.BindEnv("storage.postgres.password", "DATABASE_PASSWORD")
	viper.BindEnv("storage.postgres.name", "DATABASE_NAME")
	viper.BindEnv("storage.postgres.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("storage.redis.host", "REDIS_HOST")
	viper.BindEnv("storage.redis.port", "REDIS_PORT")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("gateway.token_window", "GATEWAY_TOKEN_WINDOW")
	viper.BindEnv("tariff.unit_price", "TARIFF_UNIT_PRICE")
	viper.BindEnv("tariff.currency_name", "TARIFF_CURRENCY_NAME")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, closeStore, err := openStore(cfg.StorageBackend)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StorageBackend, err)
	}
	defer closeStore()

	// device layer; the sims stand in until real hardware is attached
	clock := hardware.SystemClock{}
	register := hardware.NewSimRegister(int8(cfg.CommodityScale))
	disconnector := hardware.NewSimDisconnector()

	creditCfgs, err := cfg.CreditConfigs()
	if err != nil {
		log.Fatalf("Invalid credit configuration: %v", err)
	}
	var credits []*services.CreditService
	for _, cc := range creditCfgs {
		c, err := services.NewCreditService(cc, store)
		if err != nil {
			log.Fatalf("Failed to restore credit %s: %v", cc.LogicalName, err)
		}
		credits = append(credits, c)
	}

	chargeCfgs, err := cfg.ChargeConfigs()
	if err != nil {
		log.Fatalf("Invalid charge configuration: %v", err)
	}
	var charges []*services.ChargeService
	for _, cc := range chargeCfgs {
		ch, err := services.NewChargeService(cc, store, clock, register)
		if err != nil {
			log.Fatalf("Failed to restore charge %s: %v", cc.LogicalName, err)
		}
		charges = append(charges, ch)
	}

	acctCfg, err := cfg.AccountConfig()
	if err != nil {
		log.Fatalf("Invalid account configuration: %v", err)
	}
	account, err := services.NewAccountService(acctCfg, store, clock, disconnector, credits, charges)
	if err != nil {
		log.Fatalf("Failed to restore account: %v", err)
	}

	ackLn, err := cfg.ParseAckName()
	if err != nil {
		log.Fatalf("Invalid acknowledgement object name: %v", err)
	}
	out, err := services.NewOutTokenService(ackLn, store, register)
	if err != nil {
		log.Fatalf("Failed to restore acknowledgement record: %v", err)
	}
	out.BindAccount(account)

	gatewayLn, err := cfg.ParseGatewayName()
	if err != nil {
		log.Fatalf("Invalid gateway object name: %v", err)
	}
	gateway, err := services.NewTokenGatewayService(gatewayLn, cfg.TokenWindow, store, clock, out)
	if err != nil {
		log.Fatalf("Failed to restore token gateway: %v", err)
	}
	gateway.BindAccount(account)
	account.SetGateway(gateway)

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	registry := services.NewRegistry(metrics, clock)
	registry.BindServices(account, gateway, credits, charges)

	registry.Register("account", services.NewAccountObject(account))
	registry.Register("gateway", services.NewTokenGatewayObject(gateway))
	registry.Register("ack", services.NewOutTokenObject(out))
	for i, c := range credits {
		registry.Register(fmt.Sprintf("credit%d", i), services.NewCreditObject(c))
	}
	for i, ch := range charges {
		registry.Register(fmt.Sprintf("charge%d", i), services.NewChargeObject(ch))
	}

	// head-end read-back values
	registry.Register("transaction-id", services.NewAssistObject(services.AssistActiveTransactionID, gateway, account, out))
	registry.Register("topups-sum", services.NewAssistObject(services.AssistTopUpsSum, gateway, account, out))
	registry.Register("amount-paid", services.NewAssistObject(services.AssistTotalAmountPaid, gateway, account, out))
	registry.Register("consumed", services.NewAssistObject(services.AssistConsumedSinceStart, gateway, account, out))
	registry.Register("token-id", services.NewAssistObject(services.AssistTokenID, gateway, account, out))
	registry.Register("expires-time", services.NewAssistObject(services.AssistExpiresTime, gateway, account, out))

	// control loop: the second tick drives collection and succession,
	// the minute tick drives schedules and expiry
	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc("* * * * * *", registry.TickSecond); err != nil {
		log.Fatalf("Failed to schedule second tick: %v", err)
	}
	if _, err := scheduler.AddFunc("0 * * * * *", registry.TickMinute); err != nil {
		log.Fatalf("Failed to schedule minute tick: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	objectsHandler := handlers.NewObjectsHandler(registry)
	tokenHandler := handlers.NewTokenHandler(registry, "ack")

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", handlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// reads stay open to the head end
		r.Get("/objects", objectsHandler.ListObjects)
		r.Get("/objects/{object}/attributes/{attrID}", objectsHandler.GetAttribute)
		r.Get("/tokens/ack", tokenHandler.GetAcknowledgement)
		r.Get("/tokens/ack/qr", tokenHandler.GetAcknowledgementQR)

		// writes require an operator token
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Put("/objects/{object}/attributes/{attrID}", objectsHandler.SetAttribute)
			r.Post("/objects/{object}/methods/{methodID}", objectsHandler.InvokeMethod)
			r.Post("/tokens", tokenHandler.EnterToken)
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Meter %s serving on %s", cfg.Serial, server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
