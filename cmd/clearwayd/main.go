package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/openclear/clearway/client"
	"github.com/openclear/clearway/crypto"
	"github.com/openclear/clearway/gateway"
)

type config struct {
	Listen        string `mapstructure:"listen"`
	NodeURL       string `mapstructure:"node-url"`
	OwnerSeed     string `mapstructure:"owner-seed"`
	Asset         string `mapstructure:"asset"`
	Network       string `mapstructure:"network"`
	PriceResource string `mapstructure:"price-resource"`
	PriceData     string `mapstructure:"price-data"`
	PriceQuote    string `mapstructure:"price-quote"`
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "clearwayd",
		Short:        "Payment-gated resource gateway backed by a clearing node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var conf config
			if err := v.Unmarshal(&conf); err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			return run(cmd.Context(), conf)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("node-url", "ws://localhost:8000/ws", "clearing node websocket endpoint")
	flags.String("owner-seed", "", "hex seed of the merchant owner key")
	flags.String("asset", "usdc.test", "asset payments must use")
	flags.String("network", "clearnet-sandbox", "clearing network name advertised to payers")
	flags.String("price-resource", "100", "price of /resource in base units")
	flags.String("price-data", "250", "price of /data in base units")
	flags.String("price-quote", "10", "price of /quote in base units")
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("CLEARWAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func run(ctx context.Context, conf config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	signer, err := crypto.NewKeySigner(conf.OwnerSeed)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(signer, client.Options{
		URL:    conf.NodeURL,
		Logger: log.Named("client"),
	})
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	guard := gateway.NewGuard(gateway.Options{
		Network:   conf.Network,
		Receiving: c.Address(),
		Asset:     conf.Asset,
		Metrics:   gateway.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    log.Named("gateway"),
	})
	cancel, err := c.OnTransferNotification(guard.Observe)
	if err != nil {
		return err
	}
	defer cancel()

	rt := mux.NewRouter()
	rt.Use(requestID(log))
	rt.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !c.Authenticated() {
			http.Error(w, "clearing node session lost", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	rt.Handle("/metrics", promhttp.Handler())
	rt.HandleFunc("/resource", paid(guard,
		gateway.Price{Amount: conf.PriceResource, Description: "premium resource"},
		serveJSON(map[string]string{"resource": "premium content"})))
	rt.HandleFunc("/data", paid(guard,
		gateway.Price{Amount: conf.PriceData, Description: "bulk data export"},
		serveJSON(map[string]string{"data": "export payload"})))
	rt.HandleFunc("/quote", paid(guard,
		gateway.Price{Amount: conf.PriceQuote, Description: "price quote"},
		serveJSON(map[string]string{"quote": "1 usdc.test = 1 usd"})))

	srv := &http.Server{
		Addr:         conf.Listen,
		Handler:      rt,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("serving",
		zap.String("listen", conf.Listen),
		zap.String("receiving", c.Address().String()),
	)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

// paid wraps a handler behind the payment guard.
func paid(g *gateway.Guard, price gateway.Price, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.RequirePayment(w, r, price); !ok {
			return
		}
		next(w, r)
	}
}

func serveJSON(body map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

// requestID tags every request with a correlation id and logs it.
func requestID(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			log.Info("request",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}
