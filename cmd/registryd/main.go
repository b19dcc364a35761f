package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rebalnet/registry/registry/pkg/authority"
	"github.com/rebalnet/registry/registry/pkg/engine"
	"github.com/rebalnet/registry/registry/pkg/events"
	"github.com/rebalnet/registry/registry/pkg/server"
	solrpc "github.com/rebalnet/registry/registry/pkg/solana"
	"github.com/rebalnet/registry/registry/pkg/store"
	"github.com/rebalnet/registry/utils/pkg/logger"
	"github.com/rebalnet/registry/utils/pkg/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	devFlag := flag.Bool("dev", false, "run with in-memory store and ledger, no external services")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set REGISTRY_LISTEN_ADDR env var)")

	programIDFlag := flag.String("program-id", "", "registry program ID, base58 (or set REGISTRY_PROGRAM_ID env var)")

	// Postgres configuration
	databaseURLFlag := flag.String("database-url", "", "Postgres connection string (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", true, "run database migrations on startup")
	maxConnsFlag := flag.Int("max-conns", 0, "Postgres pool size (0 = driver default)")

	// Solana configuration
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	operatorKeyFlag := flag.String("operator-key", "", "path to the operator keypair file (or set REGISTRY_OPERATOR_KEY env var)")

	// Rate limiting
	rateLimitFlag := flag.Float64("rate-limit", 25, "per-IP requests per second on /api (0 disables)")
	rateBurstFlag := flag.Int("rate-burst", 50, "per-IP burst size")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("REGISTRY_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("REGISTRY_PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*rpcURLFlag = env
	}
	if env := os.Getenv("REGISTRY_OPERATOR_KEY"); env != "" {
		*operatorKeyFlag = env
	}

	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid --program-id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st     store.Store
		ledger authority.TokenLedger
	)
	if *devFlag {
		log.Info("registryd: dev mode, using in-memory store and ledger")
		st = store.NewMemory()
		ledger = authority.NewMemoryLedger()
	} else {
		if *databaseURLFlag == "" {
			return fmt.Errorf("--database-url is required (or --dev)")
		}
		if *rpcURLFlag == "" {
			return fmt.Errorf("--rpc-url is required (or --dev)")
		}
		if *operatorKeyFlag == "" {
			return fmt.Errorf("--operator-key is required (or --dev)")
		}

		err := retry.Do(ctx, retry.DefaultConfig(), func() error {
			var err error
			st, err = store.NewPostgres(ctx, store.PostgresConfig{
				Logger:        log,
				DSN:           *databaseURLFlag,
				RunMigrations: *migrateFlag,
				MaxConns:      int32(*maxConnsFlag),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer st.Close()

		operator, err := solana.PrivateKeyFromSolanaKeygenFile(*operatorKeyFlag)
		if err != nil {
			return fmt.Errorf("load operator key: %w", err)
		}
		ledger, err = solrpc.New(solrpc.Config{
			Logger:     log,
			RPCURL:     *rpcURLFlag,
			Operator:   operator,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return fmt.Errorf("create solana ledger: %w", err)
		}
	}

	bus := events.NewBus(256)
	defer bus.Close()

	eng, err := engine.New(engine.Config{
		Logger:    log,
		Store:     st,
		Ledger:    ledger,
		Bus:       bus,
		ProgramID: programID,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		Engine:     eng,
		Bus:        bus,
		ListenAddr: *listenAddrFlag,
		RateLimit:  rate.Limit(*rateLimitFlag),
		RateBurst:  *rateBurstFlag,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	log.Info("registryd: started", "listen_addr", *listenAddrFlag, "program_id", programID.String())
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("registryd: shut down cleanly")
	return nil
}
