package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/spf13/pflag"

	"changecache/internal/auth"
	"changecache/internal/config"
	"changecache/internal/handlers"
	"changecache/internal/metrics"
	"changecache/internal/service"
)

var logger = loggo.GetLogger("changecache.main")

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_FILE"), "YAML file overlaid on the environment configuration")
	issueFor := pflag.String("issue-token", "", "print a write token for the given subject and exit")
	pflag.Parse()

	if err := run(*configPath, *issueFor); err != nil {
		logger.Errorf("%v", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run(configPath, issueFor string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return errors.Annotate(err, "config load")
	}
	if err := cfg.Logging.Apply(); err != nil {
		return errors.Annotate(err, "logging")
	}

	ttl, err := cfg.Auth.GetJWTTTL()
	if err != nil {
		return errors.Annotate(err, "jwt ttl")
	}
	jwtmw := auth.NewJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, ttl)
	if issueFor != "" {
		token, err := jwtmw.IssueToken(issueFor)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Println(token)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewServiceBuilder(cfg).Build(ctx)
	if err != nil {
		return errors.Annotate(err, "service build")
	}
	defer svc.Close()

	r := mux.NewRouter()
	handlers.NewEntityHandler(svc).Register(r, jwtmw.Authenticate)

	hh := handlers.NewHealthHandler(svc, svc)
	r.HandleFunc("/health/liveness", hh.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/readiness", hh.Readiness).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Middlewares: CORS -> metrics -> router
	var handler http.Handler = metrics.Middleware("api", r, svc.Cache())
	handler = handlers.CORSMiddleware(cfg.CORS, handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("starting %s %s on %s", cfg.Service.Name, cfg.Service.Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Annotate(err, "listen")
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Trace(srv.Shutdown(shutdownCtx))
}
