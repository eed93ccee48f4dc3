package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gestion.org/internal/auth"
	"gestion.org/internal/config"
	"gestion.org/internal/directory"
	"gestion.org/internal/httpapi"
	"gestion.org/internal/janitor"
	"gestion.org/internal/mail"
	"gestion.org/internal/obs"
	"gestion.org/internal/store/memory"
	"gestion.org/internal/store/pg"
	"gestion.org/internal/throttle"
)

type backend interface {
	auth.Store
	Check(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", os.Getenv("GESTION_CONFIG"), "path to YAML config")
	flag.Parse()

	log := obs.Logger()
	cfg, err := config.Load(*configPath, os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := obs.SetLevel(cfg.Log.Level); err != nil {
		log.WithError(err).Fatal("log level")
	}
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	store, closeStore := openStore(cfg, log)
	defer closeStore()

	hasher, err := auth.NewBcryptHasher(cfg.PasswordCost)
	if err != nil {
		log.WithError(err).Fatal("password hasher")
	}
	signer, err := auth.NewSigner(auth.SignerConfig{
		Secret:    cfg.Tokens.Secret,
		Issuer:    cfg.Tokens.Issuer,
		Audience:  cfg.Tokens.Audience,
		AccessTTL: cfg.Tokens.AccessTTL,
	})
	if err != nil {
		log.WithError(err).Fatal("token signer")
	}

	loginLimiter, codeLimiter, closeLimiters := limiters(cfg, log)
	defer closeLimiters()

	var dir auth.DirectoryClient
	if cfg.Directory.Enabled {
		d := cfg.Directory
		dir = directory.NewCached(directory.NewLDAP(directory.Settings{
			Enabled:              true,
			Server:               d.Server,
			Port:                 d.Port,
			UseSSL:               d.UseSSL,
			BindDN:               d.BindDN,
			BindPassword:         d.BindPassword,
			SearchBase:           d.SearchBase,
			SearchFilter:         d.SearchFilter,
			EmailAttribute:       d.EmailAttribute,
			DisplayNameAttribute: d.DisplayNameAttribute,
			UsernameSuffix:       d.UsernameSuffix,
			DefaultRole:          d.DefaultRole,
			Timeout:              d.Timeout,
		}, log), directory.CacheConfig{
			Size:          d.CacheSize,
			ExistsTTL:     d.ExistsTTL,
			AttributesTTL: d.AttributesTTL,
		})
	}

	mailer, err := mail.NewLogMailer(cfg.Mail.AppURL, cfg.Mail.From, log)
	if err != nil {
		log.WithError(err).Fatal("mailer")
	}

	common := []auth.Option{
		auth.WithLogger(log),
		auth.WithRefreshTTL(cfg.Tokens.RefreshTTL),
		auth.WithActivationTTL(cfg.Activation.TokenTTL),
		auth.WithChainRevocation(cfg.Tokens.RevokeChainOnReuse),
	}
	svc := httpapi.Services{
		Tokens:     auth.NewTokenService(store, signer, common...),
		Gateway:    auth.NewGateway(store, hasher, dir, append(common, auth.WithLimiter(loginLimiter))...),
		Access:     auth.NewAccessResolver(store),
		Activation: auth.NewActivation(store, hasher, mailer, append(common, auth.WithLimiter(codeLimiter), auth.WithDefaultRole(cfg.Activation.DefaultRole))...),
		Users:      auth.NewUserService(store, hasher, dir, mailer, common...),
	}

	api := httpapi.New(store, svc, httpapi.Options{
		Version:        obs.Version,
		AdminRole:      cfg.AdminRole,
		RateBurst:      cfg.HTTP.RateLimitBurst,
		RatePerSec:     int(cfg.HTTP.RateLimitRPS),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, httpapi.NewHealthServer(store))

	sweeper := janitor.New(store, cfg.Janitor.Retention, log)
	if cfg.Janitor.Schedule != "" {
		if err := sweeper.Start(cfg.Janitor.Schedule); err != nil {
			log.WithError(err).Fatal("janitor schedule")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": obs.Version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GRPC.Addr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return err
			}
			log.WithField("addr", cfg.GRPC.Addr).Info("grpc health listening")
			return grpcServer.Serve(lis)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		sweeper.Stop(shutdownCtx)
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
		return
	}
	log.Info("stopped")
}

func openStore(cfg config.Config, log *logrus.Logger) (backend, func()) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using the in-memory store with seed data")
		mem := memory.New()
		mem.Seed(time.Now().UTC())
		return mem, func() {}
	}
	db, err := pg.Open(cfg.Database.DSN, pg.Pool{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	return db, func() { _ = db.Close() }
}

// limiters returns the login and activation-code attempt limiters, shared
// through Redis when it is configured.
func limiters(cfg config.Config, log *logrus.Logger) (auth.AttemptLimiter, auth.AttemptLimiter, func()) {
	if cfg.Redis.Addr == "" {
		return throttle.NewLocal(cfg.Login.MaxAttempts, cfg.Login.Window),
			throttle.NewLocal(cfg.Activation.MaxCodeAttempts, cfg.Activation.AttemptWindow),
			func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.WithField("addr", cfg.Redis.Addr).Info("attempt limits shared through redis")
	return throttle.NewRedis(client, cfg.Login.MaxAttempts, cfg.Login.Window),
		throttle.NewRedis(client, cfg.Activation.MaxCodeAttempts, cfg.Activation.AttemptWindow),
		func() { _ = client.Close() }
}
