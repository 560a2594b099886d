package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"tokensale/clock"
	"tokensale/config"
	"tokensale/core/events"
	"tokensale/crypto"
	"tokensale/native/crowdsale"
	"tokensale/observability"
	"tokensale/observability/logging"
	"tokensale/storage"
)

const (
	defaultConfig = "./config.toml"
	serviceName   = "tokensale"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 1
	}
	var err error
	switch args[0] {
	case "init":
		err = runInit(args[1:], stdout, stderr)
	case "rate":
		err = runRate(args[1:], stdout, stderr)
	case "buy":
		err = runBuy(args[1:], stdout, stderr)
	case "status":
		err = runStatus(args[1:], stdout, stderr)
	case "balance":
		err = runBalance(args[1:], stdout, stderr)
	case "purchases":
		err = runPurchases(args[1:], stdout, stderr)
	case "serve":
		err = runServe(args[1:], stdout, stderr)
	case "index":
		err = runIndex(args[1:], stdout, stderr)
	case "export":
		err = runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		usage(stderr)
		return 1
	}
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "tokensale <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init        Write a default configuration file")
	fmt.Fprintln(w, "  rate        Print the rate active at a position")
	fmt.Fprintln(w, "  buy         Buy tokens for a beneficiary")
	fmt.Fprintln(w, "  status      Print the sale status at a position")
	fmt.Fprintln(w, "  balance     Print the token balance of an address")
	fmt.Fprintln(w, "  purchases   List journaled purchases")
	fmt.Fprintln(w, "  serve       Run the HTTP gateway")
	fmt.Fprintln(w, "  index       Copy the journal into the SQL index")
	fmt.Fprintln(w, "  export      Write the journal as a parquet file")
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfig, "Path to the sale config file (.toml or .yaml)")
	return fs, configPath
}

// sale is an engine opened against the journal in the configured data dir.
// Callers must Close it to release the database lock.
type sale struct {
	cfg    *config.Config
	logger *slog.Logger
	db     storage.Database
	engine *crowdsale.Engine
}

func loadConfig(configPath string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: serviceName,
		Env:     cfg.NetworkName,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Writer:  stderr,
	})
	return cfg, logger, nil
}

// openSaleAt opens the sale with its clock pinned to position.
func openSaleAt(configPath string, position uint64, stderr io.Writer) (*sale, error) {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return nil, err
	}
	return openSale(cfg, logger, clock.Fixed(position))
}

func openSale(cfg *config.Config, logger *slog.Logger, source clock.Source, emitters ...events.Emitter) (*sale, error) {
	params, err := cfg.SaleParams()
	if err != nil {
		return nil, err
	}
	engine, err := crowdsale.NewEngine(params, source)
	if err != nil {
		return nil, err
	}
	engine.SetLogger(logger)
	engine.SetMetrics(observability.CrowdsaleMetrics())
	fanout := events.Fanout{observability.Events(), logEmitter{logger: logger}}
	engine.SetEmitter(append(fanout, emitters...))

	db, err := storage.Open(cfg.Storage, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s journal %s: %w", cfg.Storage, cfg.DataDir, err)
	}
	if err := engine.AttachStore(crowdsale.NewStore(db)); err != nil {
		db.Close()
		return nil, err
	}
	return &sale{cfg: cfg, logger: logger, db: db, engine: engine}, nil
}

func (s *sale) Close() error {
	return s.db.Close()
}

// logEmitter writes every rendered event to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	renderable, ok := evt.(events.Renderable)
	if !ok {
		return
	}
	rendered := renderable.Event()
	if rendered == nil {
		return
	}
	attrs := make([]any, 0, len(rendered.Attributes)+1)
	attrs = append(attrs, slog.String("type", rendered.Type))
	for key, value := range rendered.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	l.logger.Debug("event", attrs...)
}

func runInit(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("init", stderr)
	wallet := fs.String("wallet", "", "Wallet receiving the fund pre-allocation (generated when empty)")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*configPath); err == nil {
			return fmt.Errorf("config file %s already exists (use -force to overwrite)", *configPath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	var addr [20]byte
	var err error
	if *wallet == "" {
		addr, err = crypto.GenerateAddress()
	} else {
		addr, err = crypto.ParseAddress(*wallet)
	}
	if err != nil {
		return err
	}
	cfg := config.Default(addr)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.Save(*configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote %s (wallet %s)\n", *configPath, cfg.Sale.Wallet)
	return nil
}

func runRate(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("rate", stderr)
	position := fs.Uint64("position", 0, "Sale position (block number)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSaleAt(*configPath, *position, stderr)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeJSON(stdout, map[string]any{
		"position": *position,
		"rate":     s.engine.GetRate().String(),
		"status":   s.engine.Status().String(),
	})
}

func runBuy(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("buy", stderr)
	position := fs.Uint64("position", 0, "Sale position (block number)")
	beneficiary := fs.String("beneficiary", "", "Address receiving the tokens")
	payer := fs.String("payer", "", "Address paying for the tokens (defaults to the beneficiary)")
	amountRaw := fs.String("amount", "", "Contribution, e.g. 1000000000000000000 or \"1 ether\"")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *beneficiary == "" {
		return errors.New("-beneficiary is required")
	}
	if *amountRaw == "" {
		return errors.New("-amount is required")
	}
	to, err := crypto.ParseAddress(*beneficiary)
	if err != nil {
		return fmt.Errorf("beneficiary: %w", err)
	}
	from := to
	if *payer != "" {
		if from, err = crypto.ParseAddress(*payer); err != nil {
			return fmt.Errorf("payer: %w", err)
		}
	}

	s, err := openSaleAt(*configPath, *position, stderr)
	if err != nil {
		return err
	}
	defer s.Close()
	amount, err := config.ParseAmount(*amountRaw, s.cfg.Sale.TokenDecimals)
	if err != nil {
		return err
	}
	purchase, err := s.engine.BuyTokens(from, to, amount)
	if err != nil {
		return fmt.Errorf("purchase %s: %w", crowdsale.Outcome(err), err)
	}
	return writeJSON(stdout, purchase.View())
}

func runStatus(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("status", stderr)
	position := fs.Uint64("position", 0, "Sale position (block number)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSaleAt(*configPath, *position, stderr)
	if err != nil {
		return err
	}
	defer s.Close()
	e := s.engine
	return writeJSON(stdout, map[string]any{
		"position":          *position,
		"status":            e.Status().String(),
		"startPosition":     e.StartPosition(),
		"endPosition":       e.EndPosition(),
		"rate":              e.GetRate().String(),
		"weiRaised":         e.WeiRaised().String(),
		"totalSupply":       e.TotalSupply().String(),
		"cap":               e.Cap().String(),
		"goal":              e.Goal().String(),
		"fundPreallocation": e.FundPreallocation().String(),
		"wallet":            crypto.FormatAddress(e.Wallet()),
		"token":             e.Token().Symbol(),
		"purchases":         len(e.Purchases()),
		"hasEnded":          e.HasEnded(),
		"goalReached":       e.GoalReached(),
		"capReached":        e.CapReached(),
	})
}

func runBalance(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("balance", stderr)
	address := fs.String("address", "", "Address to query")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return errors.New("-address is required")
	}
	addr, err := crypto.ParseAddress(*address)
	if err != nil {
		return err
	}
	s, err := openSaleAt(*configPath, 0, stderr)
	if err != nil {
		return err
	}
	defer s.Close()
	balance := s.engine.BalanceOf(addr)
	return writeJSON(stdout, map[string]any{
		"address": crypto.FormatAddress(addr),
		"balance": balance.String(),
		"display": config.FormatUnits(balance, s.engine.Token().Decimals()),
		"token":   s.engine.Token().Symbol(),
	})
}

func runPurchases(args []string, stdout, stderr io.Writer) error {
	fs, configPath := newFlagSet("purchases", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := openSaleAt(*configPath, 0, stderr)
	if err != nil {
		return err
	}
	defer s.Close()
	history := s.engine.Purchases()
	out := make([]crowdsale.PurchaseView, 0, len(history))
	for _, p := range history {
		out = append(out, p.View())
	}
	return writeJSON(stdout, out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
