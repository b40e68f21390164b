package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/premarket-labs/router/internal/api"
	"github.com/premarket-labs/router/internal/book"
	"github.com/premarket-labs/router/internal/bridge"
	"github.com/premarket-labs/router/internal/cache"
	"github.com/premarket-labs/router/internal/chain"
	"github.com/premarket-labs/router/internal/config"
	"github.com/premarket-labs/router/internal/engine"
	"github.com/premarket-labs/router/internal/order"
	"github.com/premarket-labs/router/internal/relay"
	"github.com/premarket-labs/router/internal/route"
	"github.com/premarket-labs/router/internal/venue"
)

const (
	appName = "premarket-router"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-venue order router for binary prediction markets",
		Version: version,
		Long: `premarket-router pools orderbooks across prediction-market venues,
splits budgets greedily across the cheapest liquidity and settles the
resulting orders across chains.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "Path to YAML configuration")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and order engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	routeCmd := &cobra.Command{
		Use:   "route",
		Short: "Preview a route for an event without placing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(cmd, configPath)
		},
	}
	routeCmd.Flags().String("event", "", "Event id")
	routeCmd.Flags().String("team", "", "Outcome name")
	routeCmd.Flags().String("side", "yes", "Outcome side (yes|no)")
	routeCmd.Flags().String("budget", "100", "Budget in dollars (buy) or shares (sell)")
	routeCmd.Flags().String("direction", "buy", "Route direction (buy|sell)")

	rootCmd.AddCommand(serveCmd, routeCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// buildRuntime assembles everything below the HTTP layer: chains, venues,
// relay, store and engine.
func buildRuntime(cfgPath string) (*config.Config, *engine.Engine, *order.Store, *venue.Registry, *relay.Relay, *config.Catalog, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	catalog, err := config.LoadCatalog(cfg.Catalog.Dir)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	if cfg.OwnerKey == "" {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("OWNER_PRIVATE_KEY is not set")
	}
	signer, err := chain.NewSigner(cfg.OwnerKey)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("owner key: %w", err)
	}

	chains := make(map[int64]*relay.ChainRuntime, len(cfg.Chains))
	clients := make(map[int64]*chain.Client, len(cfg.Chains))
	for id, ch := range cfg.Chains {
		client, err := chain.Dial(ch.RPCURL, id, ch.EIP1559)
		if err != nil {
			return nil, nil, nil, nil, nil, nil, fmt.Errorf("dial chain %d: %w", id, err)
		}
		clients[id] = client
		chains[id] = &relay.ChainRuntime{
			Client:     client,
			Router:     common.HexToAddress(ch.Router),
			Stablecoin: common.HexToAddress(ch.Stablecoin),
			Decimals:   ch.Decimals,
		}
		log.Info().Int64("chain", id).Str("name", ch.Name).Msg("chain connected")
	}

	lifi := bridge.NewClient(bridge.Config{
		BaseURL:      cfg.LiFi.BaseURL,
		Integrator:   cfg.LiFi.Integrator,
		Slippage:     cfg.LiFi.Slippage,
		SlippageSell: cfg.LiFi.SlippageSell,
	})
	rl := relay.New(chains, signer, lifi)

	registry := venue.NewRegistry()
	for name, vc := range cfg.EnabledVenues() {
		client, ok := clients[vc.ChainID]
		if !ok {
			log.Warn().Str("venue", name).Int64("chain", vc.ChainID).Msg("venue chain not configured, venue disabled")
			continue
		}
		a, err := buildAdapter(name, vc, client, signer)
		if err != nil {
			log.Warn().Err(err).Str("venue", name).Msg("venue setup failed, venue disabled")
			continue
		}
		registry.Register(a)
		log.Info().Str("venue", name).Int64("chain", vc.ChainID).Msg("venue enabled")
	}

	store, err := order.NewStore(cfg.Orders.File)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	eng := engine.New(engine.Config{
		Store:        store,
		Venues:       registry,
		Relay:        rl,
		Catalog:      catalog,
		Cache:        cache.New(cfg.Redis.Addr, cfg.Redis.TTL),
		TickInterval: cfg.Orders.TickInterval,
	})
	return cfg, eng, store, registry, rl, catalog, nil
}

func buildAdapter(name string, vc config.VenueConfig, client *chain.Client, owner *chain.Signer) (venue.Adapter, error) {
	minOrder, err := decimal.NewFromString(vc.MinOrderValue)
	if err != nil {
		minOrder = decimal.Zero
	}
	switch name {
	case "polymarket":
		signer, err := chain.NewSigner(vc.SigningKey)
		if err != nil {
			return nil, err
		}
		return venue.NewPolymarket(venue.PolymarketConfig{
			APIURL:           vc.APIURL,
			Client:           client,
			Signer:           signer,
			Stablecoin:       common.HexToAddress(vc.Stablecoin),
			ConditionalToken: common.HexToAddress(vc.ConditionalToken),
			Exchange:         common.HexToAddress(vc.Exchange),
			NegRiskExchange:  common.HexToAddress(vc.NegRiskExchange),
			MinOrderValue:    minOrder,
			RateLimitRPS:     vc.RateLimitRPS,
		}), nil
	case "limitless":
		signer, err := chain.NewSigner(vc.SigningKey)
		if err != nil {
			return nil, err
		}
		return venue.NewLimitless(venue.LimitlessConfig{
			APIURL:           vc.APIURL,
			APIKey:           vc.APIKey,
			Client:           client,
			Signer:           signer,
			Stablecoin:       common.HexToAddress(vc.Stablecoin),
			ConditionalToken: common.HexToAddress(vc.ConditionalToken),
			Exchange:         common.HexToAddress(vc.Exchange),
			MinOrderValue:    minOrder,
			FeeRateBps:       vc.FeeRateBps,
			RateLimitRPS:     vc.RateLimitRPS,
		}), nil
	case "opinion":
		// The smart-wallet owner key signs orders; the relayer EOA pays
		// gas and spends the wallet's pre-granted allowances.
		ownerSigner, err := chain.NewSigner(vc.SigningKey)
		if err != nil {
			return nil, err
		}
		return venue.NewOpinion(venue.OpinionConfig{
			APIURL:           vc.APIURL,
			APIKey:           vc.APIKey,
			Client:           client,
			Signer:           owner,
			OwnerSigner:      ownerSigner,
			SmartWallet:      common.HexToAddress(vc.CustodyWallet),
			Stablecoin:       common.HexToAddress(vc.Stablecoin),
			ConditionalToken: common.HexToAddress(vc.ConditionalToken),
			Exchange:         common.HexToAddress(vc.Exchange),
			MinOrderValue:    minOrder,
			RateLimitRPS:     vc.RateLimitRPS,
		}), nil
	}
	return nil, fmt.Errorf("unknown venue %q", name)
}

func runServe(cfgPath string) error {
	cfg, eng, store, registry, rl, catalog, err := buildRuntime(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)

	server := api.NewServer(cfg, eng, store, registry, rl, catalog)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runRoute(cmd *cobra.Command, cfgPath string) error {
	eventID, _ := cmd.Flags().GetString("event")
	team, _ := cmd.Flags().GetString("team")
	side, _ := cmd.Flags().GetString("side")
	budgetStr, _ := cmd.Flags().GetString("budget")
	directionStr, _ := cmd.Flags().GetString("direction")
	if eventID == "" || team == "" {
		return fmt.Errorf("--event and --team are required")
	}
	budget, err := decimal.NewFromString(budgetStr)
	if err != nil {
		return fmt.Errorf("invalid budget %q", budgetStr)
	}
	direction := book.DirectionBuy
	if directionStr == string(book.DirectionSell) {
		direction = book.DirectionSell
	}

	_, eng, _, _, _, _, err := buildRuntime(cfgPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	books, venueErrs := eng.CollectBooks(ctx, eventID, team, book.Side(side))
	r, err := route.FindOptimalRoute(books, budget, direction)
	if err != nil {
		return err
	}
	r.AdapterErrors = venueErrs

	fmt.Printf("route for %s / %s (%s %s)\n", eventID, team, direction, side)
	fmt.Printf("  spent %s of %s, %s shares at avg %sc across %d venue(s)\n",
		r.TotalSpent, r.Budget, r.TotalQty, r.AvgPriceCents, r.PlatformsUsed)
	for name, split := range r.PerPlatform {
		fmt.Printf("  %-12s spent=%s qty=%s avg=%sc\n", name, split.Spent, split.Qty, split.AvgPriceCents)
	}
	for name, msg := range r.AdapterErrors {
		fmt.Printf("  %-12s error: %s\n", name, msg)
	}
	return nil
}
