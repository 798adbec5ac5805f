package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/stake-plus/govvote/src/config"
	"github.com/stake-plus/govvote/src/data/backend"
	"github.com/stake-plus/govvote/src/voting"
)

const programName = "govvote"

var configFile string

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("maxprocs: %v", err)
	}

	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", programName, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Community proposal and voting service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(listCommand())
	rootCmd.AddCommand(verifyCommand())
	rootCmd.AddCommand(resetCommand())
	rootCmd.AddCommand(tokenCommand())
	return rootCmd
}

// app is everything a command needs once configuration is settled.
type app struct {
	cfg     config.Config
	backend *backend.Backend
	svc     *voting.Service
	reg     *prometheus.Registry
}

// setup loads configuration, opens the store, overlays the settings table and builds the
// service. Callers must close a.backend.
func setup(ctx context.Context, server bool) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	b, err := backend.Open(openCtx, cfg)
	if err != nil {
		return nil, err
	}

	settings, err := b.Settings(openCtx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := cfg.ApplySettings(settings); err != nil {
		log.Printf("config: ignoring bad settings: %v", err)
	}
	validate := cfg.Validate
	if server {
		validate = cfg.ValidateServer
	}
	if err := validate(); err != nil {
		b.Close()
		return nil, fmt.Errorf("config: %w", err)
	}

	policy, _ := cfg.Policy()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := voting.NewService(b.Store,
		voting.WithAdmin(cfg.AdminID),
		voting.WithPolicy(policy),
		voting.WithMaxTextLength(cfg.MaxProposalLength),
		voting.WithMetrics(voting.NewMetrics(reg)),
		voting.WithPublisher(b.Publisher(cfg.EventsStream)),
	)
	if cfg.AdminID == 0 {
		log.Printf("config: no admin_id set, only authors can delete proposals")
	}
	return &app{cfg: cfg, backend: b, svc: svc, reg: reg}, nil
}
