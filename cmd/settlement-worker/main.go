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
	poolpg "github.com/zkprover-labs/bundler/internal/pool/postgres"
	"github.com/zkprover-labs/bundler/internal/queue"
	"github.com/zkprover-labs/bundler/internal/secrets"
	"github.com/zkprover-labs/bundler/internal/settlement"
)

// settlement-worker consumes queued settlement jobs and submits handleOps
// transactions. It is the consumer half of --dispatch-mode=queue on the
// bundler binary and shares the same Postgres state.
func main() {
	var (
		upstreamURL = flag.String("upstream-rpc-url", "", "execution node JSON-RPC URL (required)")
		chainID     = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN or secret ref env:NAME / aws:SECRET_ID (required)")

		entryPointAddr  = flag.String("entrypoint-address", "", "entry point contract address (required)")
		beneficiaryAddr = flag.String("beneficiary-address", "", "settlement fee beneficiary address (required)")
		settlementKey   = flag.String("settlement-key", "env:BUNDLER_SETTLEMENT_KEY", "settlement private key secret ref env:NAME / aws:SECRET_ID")

		gasLimitMultiplier = flag.Float64("gas-limit-multiplier", 1.2, "gas estimate safety multiplier")
		minTipCapWei       = flag.Int64("min-tip-cap-wei", 1_000_000_000, "minimum priority fee per gas (wei)")
		receiptPoll        = flag.Duration("receipt-poll-interval", 2*time.Second, "receipt poll interval")
		receiptWait        = flag.Duration("receipt-wait-timeout", 3*time.Minute, "max wait for a settlement receipt")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated kafka brokers")
		queueGroup   = flag.String("queue-group", "bundler-settlement", "kafka consumer group")
		queueTopic   = flag.String("queue-topic", settlement.DefaultTopic, "settlement job topic")
		deadTopic    = flag.String("dead-topic", "", "topic for exhausted jobs; empty disables dead-lettering")

		maxAttempts = flag.Int("max-attempts", 3, "settlement attempts per job")
		backoff     = flag.Duration("backoff", 5*time.Second, "delay between attempts")

		artifactDriver = flag.String("artifact-driver", "", "proof artifact archive: s3|memory; empty disables archival")
		artifactBucket = flag.String("artifact-bucket", "", "S3 bucket for proof artifacts")
		artifactPrefix = flag.String("artifact-prefix", "", "key prefix for proof artifacts")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *upstreamURL == "" || *chainID == 0 || *postgresDSN == "" || *entryPointAddr == "" || *beneficiaryAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --upstream-rpc-url, --chain-id, --postgres-dsn, --entrypoint-address, and --beneficiary-address are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*entryPointAddr) || !common.IsHexAddress(*beneficiaryAddr) {
		fmt.Fprintln(os.Stderr, "error: --entrypoint-address and --beneficiary-address must be valid hex addresses")
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

	store, err := poolpg.New(pgp)
	if err != nil {
		log.Error("init pool store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure pool schema", "err", err)
		os.Exit(2)
	}

	rpcClient, err := rpc.DialContext(ctx, *upstreamURL)
	if err != nil {
		log.Error("dial upstream rpc", "url", *upstreamURL, "err", err)
		os.Exit(2)
	}
	defer rpcClient.Close()

	relayer, err := eth.NewRelayer(ethclient.NewClient(rpcClient), eth.NewLocalSigner(key), eth.RelayerConfig{
		ChainID:             new(big.Int).SetUint64(*chainID),
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
		archive, err := artifacts.New(cfg)
		if err != nil {
			log.Error("init artifact archive", "err", err)
			os.Exit(2)
		}
		submitter = submitter.WithArchive(archive)
	}

	brokers := queue.SplitCommaList(*queueBrokers)
	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: brokers,
		Group:   *queueGroup,
		Topics:  []string{*queueTopic},
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	var dead queue.Producer
	if *deadTopic != "" {
		dead, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: brokers,
		})
		if err != nil {
			log.Error("init dead-letter producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = dead.Close() }()
	}

	worker, err := settlement.NewWorker(submitter, consumer, dead, settlement.WorkerConfig{
		MaxAttempts: *maxAttempts,
		Backoff:     *backoff,
		DeadTopic:   *deadTopic,
	}, log)
	if err != nil {
		log.Error("init settlement worker", "err", err)
		os.Exit(2)
	}

	log.Info("settlement worker started",
		"topic", *queueTopic,
		"group", *queueGroup,
		"entryPoint", *entryPointAddr,
		"from", eth.NewLocalSigner(key).Address(),
	)

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("settlement worker", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
