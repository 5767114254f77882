package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zkprover-labs/bundler/internal/artifacts"
	"github.com/zkprover-labs/bundler/internal/eth"
	"github.com/zkprover-labs/bundler/internal/intake"
	"github.com/zkprover-labs/bundler/internal/leases"
	leasespg "github.com/zkprover-labs/bundler/internal/leases/postgres"
	"github.com/zkprover-labs/bundler/internal/pool"
	poolpg "github.com/zkprover-labs/bundler/internal/pool/postgres"
	"github.com/zkprover-labs/bundler/internal/proofs"
	"github.com/zkprover-labs/bundler/internal/queue"
	"github.com/zkprover-labs/bundler/internal/rpcapi"
	"github.com/zkprover-labs/bundler/internal/scheduler"
	"github.com/zkprover-labs/bundler/internal/secrets"
	"github.com/zkprover-labs/bundler/internal/settlement"
)

func main() {
	var (
		listenAddr  = flag.String("rpc-listen", ":8545", "JSON-RPC listen address")
		upstreamURL = flag.String("upstream-rpc-url", "", "upstream execution node JSON-RPC URL (required)")
		chainID     = flag.Uint64("chain-id", 0, "EVM chain id (required)")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN or secret ref env:NAME / aws:SECRET_ID; empty => in-memory store")

		batchSize = flag.Int("batch-size", 128, "operations per batch")
		batchTick = flag.Duration("batch-tick", 5*time.Second, "batch formation poll interval")

		entryPointAddr  = flag.String("entrypoint-address", "", "entry point contract address (required)")
		beneficiaryAddr = flag.String("beneficiary-address", "", "settlement fee beneficiary address (required)")
		settlementKey   = flag.String("settlement-key", "env:BUNDLER_SETTLEMENT_KEY", "settlement private key secret ref env:NAME / aws:SECRET_ID")

		gasLimitMultiplier = flag.Float64("gas-limit-multiplier", 1.2, "gas estimate safety multiplier")
		minTipCapWei       = flag.Int64("min-tip-cap-wei", 1_000_000_000, "minimum priority fee per gas (wei)")
		receiptPoll        = flag.Duration("receipt-poll-interval", 2*time.Second, "receipt poll interval")
		receiptWait        = flag.Duration("receipt-wait-timeout", 3*time.Minute, "max wait for a settlement receipt")
		settleTimeout      = flag.Duration("settle-timeout", 5*time.Minute, "per-batch settlement task timeout")

		dispatchMode = flag.String("dispatch-mode", "local", "settlement dispatch: local|queue")
		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver for queue dispatch: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated kafka brokers (required for queue dispatch with kafka)")
		queueTopic   = flag.String("queue-topic", settlement.DefaultTopic, "settlement job topic")

		owner             = flag.String("owner", "", "unique bundler instance id for settlement leases (required)")
		reconcileInterval = flag.Duration("reconcile-interval", time.Minute, "stuck-batch reconciliation interval")
		gracePeriod       = flag.Duration("grace-period", 5*time.Minute, "age before an unsettled proven batch counts as stuck")
		leaseTTL          = flag.Duration("lease-ttl", 10*time.Minute, "per-batch settlement lease TTL")

		artifactDriver = flag.String("artifact-driver", "", "proof artifact archive: s3|memory; empty disables archival")
		artifactBucket = flag.String("artifact-bucket", "", "S3 bucket for proof artifacts")
		artifactPrefix = flag.String("artifact-prefix", "", "key prefix for proof artifacts")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *upstreamURL == "" || *chainID == 0 || *entryPointAddr == "" || *beneficiaryAddr == "" || *owner == "" {
		fmt.Fprintln(os.Stderr, "error: --upstream-rpc-url, --chain-id, --entrypoint-address, --beneficiary-address, and --owner are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*entryPointAddr) || !common.IsHexAddress(*beneficiaryAddr) {
		fmt.Fprintln(os.Stderr, "error: --entrypoint-address and --beneficiary-address must be valid hex addresses")
		os.Exit(2)
	}
	if *batchSize <= 0 || *batchTick <= 0 || *settleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --batch-size, --batch-tick, and --settle-timeout must be > 0")
		os.Exit(2)
	}
	if *dispatchMode != "local" && *dispatchMode != "queue" {
		fmt.Fprintln(os.Stderr, "error: --dispatch-mode must be local or queue")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keyHex, err := secrets.Resolve(ctx, *settlementKey)
	if err != nil {
		log.Error("resolve settlement key", "err", err)
		os.Exit(2)
	}
	key, err := eth.ParsePrivateKeyHex(keyHex)
	if err != nil {
		log.Error("parse settlement key", "err", err)
		os.Exit(2)
	}

	rpcClient, err := rpc.DialContext(ctx, *upstreamURL)
	if err != nil {
		log.Error("dial upstream rpc", "url", *upstreamURL, "err", err)
		os.Exit(2)
	}
	defer rpcClient.Close()
	backend := ethclient.NewClient(rpcClient)

	cid := new(big.Int).SetUint64(*chainID)

	var (
		store      pool.Store
		leaseStore leases.Store
	)
	if *postgresDSN != "" {
		dsn, err := secrets.Resolve(ctx, *postgresDSN)
		if err != nil {
			log.Error("resolve postgres dsn", "err", err)
			os.Exit(2)
		}
		pgp, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pgp.Close()

		pgStore, err := poolpg.New(pgp)
		if err != nil {
			log.Error("init pool store", "err", err)
			os.Exit(2)
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure pool schema", "err", err)
			os.Exit(2)
		}
		store = pgStore

		pgLeases, err := leasespg.New(pgp)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := pgLeases.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
		leaseStore = pgLeases
	} else {
		log.Warn("no --postgres-dsn; running with in-memory state")
		store = pool.NewMemoryStore(nil)
		leaseStore = leases.NewMemoryStore(nil)
	}

	var archive artifacts.Archive
	if *artifactDriver != "" {
		cfg := artifacts.Config{
			Driver: *artifactDriver,
			Bucket: *artifactBucket,
			Prefix: *artifactPrefix,
		}
		if cfg.Driver == artifacts.DriverS3 {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			cfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		archive, err = artifacts.New(cfg)
		if err != nil {
			log.Error("init artifact archive", "err", err)
			os.Exit(2)
		}
	}

	relayer, err := eth.NewRelayer(backend, eth.NewLocalSigner(key), eth.RelayerConfig{
		ChainID:             cid,
		GasLimitMultiplier:  *gasLimitMultiplier,
		MinTipCap:           big.NewInt(*minTipCapWei),
		ReceiptPollInterval: *receiptPoll,
		WaitTimeout:         *receiptWait,
	})
	if err != nil {
		log.Error("init relayer", "err", err)
		os.Exit(2)
	}

	submitter, err := settlement.NewSubmitter(store, relayer, settlement.SubmitterConfig{
		EntryPoint:  common.HexToAddress(*entryPointAddr),
		Beneficiary: common.HexToAddress(*beneficiaryAddr),
	}, log)
	if err != nil {
		log.Error("init settlement submitter", "err", err)
		os.Exit(2)
	}
	if archive != nil {
		submitter = submitter.WithArchive(archive)
	}

	var dispatcher settlement.Dispatcher
	var localDispatch *settlement.LocalDispatcher
	switch *dispatchMode {
	case "queue":
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
		dispatcher, err = settlement.NewQueueDispatcher(producer, *queueTopic)
		if err != nil {
			log.Error("init queue dispatcher", "err", err)
			os.Exit(2)
		}
	default:
		localDispatch, err = settlement.NewLocalDispatcher(submitter, *settleTimeout, log)
		if err != nil {
			log.Error("init local dispatcher", "err", err)
			os.Exit(2)
		}
		dispatcher = localDispatch
	}

	sched, err := scheduler.New(scheduler.Config{
		BatchSize:    *batchSize,
		TickInterval: *batchTick,
	}, store, log)
	if err != nil {
		log.Error("init batch scheduler", "err", err)
		os.Exit(2)
	}

	intakeSvc, err := intake.New(intake.Config{ChainID: cid}, store, sched, log)
	if err != nil {
		log.Error("init intake", "err", err)
		os.Exit(2)
	}

	proofSvc, err := proofs.New(store, dispatcher, log)
	if err != nil {
		log.Error("init proof ingestion", "err", err)
		os.Exit(2)
	}
	if archive != nil {
		proofSvc = proofSvc.WithArchive(archive)
	}

	reconciler, err := settlement.NewReconciler(store, leaseStore, dispatcher, settlement.ReconcilerConfig{
		Owner:       *owner,
		Interval:    *reconcileInterval,
		GracePeriod: *gracePeriod,
		LeaseTTL:    *leaseTTL,
	}, log)
	if err != nil {
		log.Error("init reconciler", "err", err)
		os.Exit(2)
	}

	ethSvc, err := rpcapi.NewEthService(intakeSvc, rpcClient, cid, log)
	if err != nil {
		log.Error("init eth service", "err", err)
		os.Exit(2)
	}
	netSvc, err := rpcapi.NewNetService(cid)
	if err != nil {
		log.Error("init net service", "err", err)
		os.Exit(2)
	}
	zkpSvc, err := rpcapi.NewZkpService(store, proofSvc, log)
	if err != nil {
		log.Error("init zkp service", "err", err)
		os.Exit(2)
	}
	server, err := rpcapi.NewServer(ethSvc, netSvc, zkpSvc, rpcapi.ServerConfig{
		ListenAddr: *listenAddr,
	}, log)
	if err != nil {
		log.Error("init rpc server", "err", err)
		os.Exit(2)
	}

	log.Info("bundler started",
		"listen", *listenAddr,
		"chainID", *chainID,
		"batchSize", *batchSize,
		"dispatchMode", *dispatchMode,
		"entryPoint", *entryPointAddr,
		"from", eth.NewLocalSigner(key).Address(),
	)

	go sched.Run(ctx)
	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("reconciler stopped", "err", err)
		}
	}()

	if err := server.Run(ctx); err != nil {
		log.Error("rpc server", "err", err)
		os.Exit(1)
	}
	if localDispatch != nil {
		localDispatch.Wait()
	}
	log.Info("shutdown complete")
}
