package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/stellar/go/keypair"
	"golang.org/x/sync/errgroup"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/business/compliance"
	"github.com/raymondfx/reference-wallet/channel"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/payment"
	"github.com/raymondfx/reference-wallet/store"
	"github.com/raymondfx/reference-wallet/vasp"
	"github.com/raymondfx/reference-wallet/vasphttp"
)

type peerConfig struct {
	Address string `mapstructure:"address"`
	BaseURL string `mapstructure:"baseURL"`
	// Key is the stellar address of the peer's compliance key.
	Key string `mapstructure:"key"`
}

type runConfig struct {
	base *baseConfiguration

	Address string
	Listen  string
	// BaseURL is the URL peers reach the VASP at, defaulting to http://Listen.
	BaseURL string
	// Seed is the stellar secret seed of the compliance key.
	Seed      string
	StorePath string

	RetryAttempts     int
	RetryDelay        time.Duration
	AbortOnExhaustion bool
	SoftMatch         bool

	RateLimit   float64
	RateBurst   int
	MaxBodySize int64

	Log   logger.LogConfiguration
	Peers []peerConfig
}

// runFn runs the VASP of the run command.
var runFn = runVASP

func newRunCmd(base *baseConfiguration) *cobra.Command {
	cfg := &runConfig{base: base}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the VASP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := base.v.UnmarshalKey("peers", &cfg.Peers); err != nil {
				return fmt.Errorf("reading peers: %w", err)
			}
			return runFn(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Address, "address", "", "on-chain address of the VASP, hex encoded")
	f.StringVar(&cfg.Listen, "listen", "localhost:8080", "address the HTTP server listens on")
	f.StringVar(&cfg.BaseURL, "base-url", "", "URL peers reach the VASP at (default http://<listen>)")
	f.StringVar(&cfg.Seed, "seed", "", "stellar secret seed of the compliance signature key")
	f.StringVar(&cfg.StorePath, "store", "", "bolt database file of payments, in memory when not set")
	f.IntVar(&cfg.RetryAttempts, "retry-attempts", channel.DefaultRetryPolicy.Attempts, "delivery attempts of a command")
	f.DurationVar(&cfg.RetryDelay, "retry-delay", channel.DefaultRetryPolicy.Delay, "delay between delivery attempts")
	f.BoolVar(&cfg.AbortOnExhaustion, "abort-on-exhaustion", false, "abort payments whose command could not be delivered")
	f.BoolVar(&cfg.SoftMatch, "soft-match", false, "ask counterparties for additional KYC data")
	f.Float64Var(&cfg.RateLimit, "rate-limit", 50, "commands per second accepted from a peer, unlimited when 0")
	f.IntVar(&cfg.RateBurst, "rate-burst", 100, "commands accepted from a peer in a burst")
	f.Int64Var(&cfg.MaxBodySize, "max-body-size", vasphttp.DefaultMaxBodySize, "maximum size of request bodies")
	f.StringVar(&cfg.Log.Level, "log-level", "INFO", "logging level, one of: DEBUG, INFO, WARN, ERROR")
	f.StringVar(&cfg.Log.Format, "log-format", "text", "log format, one of: text, json")
	f.StringVar(&cfg.Log.OutputPath, "log-file", "stderr", "log file path or one of: stdout, stderr, discard")
	return cmd
}

// logSettler records the payments ready for settlement. Submitting them to
// the chain is left to the operator.
type logSettler struct {
	log *slog.Logger
}

func (s logSettler) Settle(ctx context.Context, p payment.Object) error {
	s.log.Info("payment ready for settlement", logger.ReferenceID(p.ReferenceID), logger.Data(p.Action))
	return nil
}

func runVASP(ctx context.Context, cfg *runConfig) error {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	core, err := newVASP(cfg, log, reg)
	if err != nil {
		return err
	}
	srv := vasphttp.NewServer(cfg.Listen, cfg.MaxBodySize, log,
		vasphttp.PeerEndpoints(core, vasphttp.NewPeerLimiter(cfg.RateLimit, cfg.RateBurst, 0), log),
		vasphttp.PaymentEndpoints(core, log),
		vasphttp.MetricsEndpoint(reg),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := core.StartServices(ctx); err != nil {
		return errors.Join(err, core.Close())
	}
	g.Go(func() error {
		log.Info("serving", slog.String("listen", cfg.Listen), logger.VASP(core.Address()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), core.Close())
	})
	return g.Wait()
}

// newVASP creates the VASP described by the configuration.
func newVASP(cfg *runConfig, log *slog.Logger, reg prometheus.Registerer) (*vasp.Core, error) {
	self, err := address.Parse(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("vasp address: %w", err)
	}
	if cfg.Seed == "" {
		return nil, errors.New("seed of the compliance key is required")
	}
	signer, err := keypair.ParseFull(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	peers := make([]business.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		a, err := address.Parse(p.Address)
		if err != nil {
			return nil, fmt.Errorf("peer address: %w", err)
		}
		key, err := keypair.ParseAddress(p.Key)
		if err != nil {
			return nil, fmt.Errorf("key of peer %s: %w", p.Address, err)
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("base url of peer %s is required", p.Address)
		}
		peers = append(peers, business.Peer{Address: a, BaseURL: p.BaseURL, Key: key})
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://" + cfg.Listen
	}
	dir := business.NewDirectory(self, baseURL, signer, peers...)

	var s store.Store = store.NewMemory()
	if cfg.StorePath != "" {
		if s, err = store.NewBolt(cfg.StorePath); err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}
	core, err := vasp.New(vasp.Config{
		Address: self,
		Business: compliance.New(compliance.Config{
			Address:          self,
			Info:             dir,
			RequireSoftMatch: cfg.SoftMatch,
			Logger:           log,
		}),
		Info:                   dir,
		Store:                  s,
		Transport:              vasphttp.NewTransport(nil),
		Retry:                  channel.RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay},
		AbortOnRetryExhaustion: cfg.AbortOnExhaustion,
		Settler:                logSettler{log: log},
		Registerer:             reg,
		Logger:                 log,
	})
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	return core, nil
}
