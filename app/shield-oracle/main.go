package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/dynamic-shield/shield-oracle/api"
	"github.com/dynamic-shield/shield-oracle/business/domain/operator"
	"github.com/dynamic-shield/shield-oracle/business/domain/remediation"
	"github.com/dynamic-shield/shield-oracle/business/domain/watcher"
	"github.com/dynamic-shield/shield-oracle/external/chain"
	"github.com/dynamic-shield/shield-oracle/external/elastic"
	"github.com/dynamic-shield/shield-oracle/external/kafka"
	"github.com/dynamic-shield/shield-oracle/infrastructure/store/pebbledb"
	"github.com/dynamic-shield/shield-oracle/infrastructure/store/sqldb"
	"github.com/dynamic-shield/shield-oracle/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const prefix = "SHIELD_ORACLE"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] main: no .env file loaded: %v", err)
	}

	var cfg struct {
		Chain struct {
			RpcUrl              string        `conf:"default:http://127.0.0.1:8545"`
			ChainId             uint64        `conf:"default:31337"`
			ContractAddress     string        `conf:"required"`
			PrivateKey          string        `conf:"optional,mask"`
			Confirmations       uint64        `conf:"default:0"`
			ReadTimeout         time.Duration `conf:"default:20s"`
			TxTimeout           time.Duration `conf:"default:5m"`
			ReceiptPollInterval time.Duration `conf:"default:2s"`
		}
		Operator struct {
			Register          bool   `conf:"default:true"`
			Attest            bool   `conf:"default:false"`
			DeploymentsFolder string `conf:"optional"`
			DelegationManager string `conf:"optional"`
			AvsDirectory      string `conf:"optional"`
			StakeRegistry     string `conf:"optional"`
			ServiceManager    string `conf:"optional"`
			MetadataUri       string `conf:"optional"`
		}
		Database struct {
			Dsn        string `conf:"default:shields.db,mask"`
			PoolMin    int    `conf:"default:2"`
			PoolMax    int    `conf:"default:10"`
			DisableTls bool   `conf:"default:false"`
		}
		Broker struct {
			BootstrapServers []string `conf:"default:localhost:9092"`
			JobsTopic        string   `conf:"default:shield-oracle-jobs"`
			DeadLetterTopic  string   `conf:"default:shield-oracle-jobs-dlq"`
			ConsumerGroup    string   `conf:"default:shield-oracle-worker"`
			MaxAttempts      int      `conf:"default:5"`
			MaxPollRecords   int      `conf:"default:100"`
		}
		Elastic struct {
			Addresses        []string      `conf:"default:https://localhost:9200"`
			Username         string        `conf:"default:shield-oracle"`
			Password         string        `conf:"optional,mask"`
			Certificate      string        `conf:"default:http_ca.crt"`
			RemediationIndex string        `conf:"default:shield-remediations"`
			DeadLetterIndex  string        `conf:"default:shield-dead-letters"`
			Timeout          time.Duration `conf:"default:10s"`
			MaxRetries       int           `conf:"default:15"`
			Stub             bool          `conf:"default:true"`
		}
		Sync struct {
			InternalStoreFolder string        `conf:"default:store"`
			PollInterval        time.Duration `conf:"default:5s"`
			MaxBlockRange       uint64        `conf:"default:10000"`
			StartBlock          uint64        `conf:"optional"`
			OverrideCheckpoint  bool          `conf:"default:false"`
			BatchSize           int           `conf:"default:500"`
			WriteTimeout        time.Duration `conf:"default:10s"`
			Watcher             bool          `conf:"default:true"`
			Worker              bool          `conf:"default:true"`
		}
		Server struct {
			HttpHost         string        `conf:"default:0.0.0.0:8000"`
			MetricsNamespace string        `conf:"default:shield_oracle"`
			StatusCacheTtl   time.Duration `conf:"default:2s"`
		}
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return errors.Errorf("invalid contract address [%s]", cfg.Chain.ContractAddress)
	}
	contract := common.HexToAddress(cfg.Chain.ContractAddress)

	procStore, err := pebbledb.NewProcessorStore(cfg.Sync.InternalStoreFolder, "shield-oracle")
	if err != nil {
		return errors.Wrap(err, "creating processor store")
	}
	defer procStore.Close()

	if cfg.Sync.OverrideCheckpoint {
		// the first processed block is the one after the checkpoint
		checkpoint := max(cfg.Sync.StartBlock, 1) - 1
		if err := procStore.ForceLastProcessedBlock(checkpoint); err != nil {
			return errors.Wrap(err, "overriding checkpoint")
		}
		sLogger.Warnw("Checkpoint overridden.", "lastProcessedBlock", checkpoint)
	}

	registry, err := sqldb.Open(sqldb.Config{
		DSN:        cfg.Database.Dsn,
		PoolMin:    cfg.Database.PoolMin,
		PoolMax:    cfg.Database.PoolMax,
		DisableTLS: cfg.Database.DisableTls,
	})
	if err != nil {
		return errors.Wrap(err, "opening registry")
	}
	defer registry.Close()
	if err := registry.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrating registry")
	}

	ethClient, err := chain.Dial(ctx, cfg.Chain.RpcUrl, sLogger)
	if err != nil {
		return errors.Wrap(err, "connecting to rpc node")
	}
	defer ethClient.Close()
	chainClient := chain.NewClient(ethClient, contract, cfg.Chain.ReadTimeout, sLogger)

	m := metrics.NewMetrics(cfg.Server.MetricsNamespace, prometheus.DefaultRegisterer)
	kafkaMetrics := kprom.NewMetrics(cfg.Server.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Sync.Watcher {
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.JobsTopic),
			kgo.RequiredAcks(kgo.AllISRAcks()),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka producer client")
		}
		defer kcl.Close()

		proc := watcher.NewProcessor(chainClient, registry, kafka.NewProducer(kcl, cfg.Broker.JobsTopic), procStore, watcher.Config{
			PollInterval:  cfg.Sync.PollInterval,
			Confirmations: cfg.Chain.Confirmations,
			MaxBlockRange: cfg.Sync.MaxBlockRange,
			StartBlock:    cfg.Sync.StartBlock,
			WriteTimeout:  cfg.Sync.WriteTimeout,
		}, m, sLogger)
		group.Go(func() error {
			return proc.Start(ctx)
		})
	} else {
		log.Println("[WARN] main: chain watcher disabled")
	}

	if cfg.Sync.Worker {
		signer, err := chain.NewKeySigner(cfg.Chain.PrivateKey)
		if err != nil {
			return err
		}
		transactor := chain.NewTransactor(ethClient, signer, chain.TransactorConfig{
			ChainID:       new(big.Int).SetUint64(cfg.Chain.ChainId),
			Confirmations: cfg.Chain.Confirmations,
			PollInterval:  cfg.Chain.ReceiptPollInterval,
			ReadTimeout:   cfg.Chain.ReadTimeout,
			TxTimeout:     cfg.Chain.TxTimeout,
		}, sLogger)

		var attester remediation.Attester
		if cfg.Operator.Register || cfg.Operator.Attest {
			addresses, err := trustRegistryAddresses(cfg.Operator.DeploymentsFolder, cfg.Chain.ChainId, chain.TrustRegistryAddresses{
				DelegationManager: common.HexToAddress(cfg.Operator.DelegationManager),
				AVSDirectory:      common.HexToAddress(cfg.Operator.AvsDirectory),
				StakeRegistry:     common.HexToAddress(cfg.Operator.StakeRegistry),
				ServiceManager:    common.HexToAddress(cfg.Operator.ServiceManager),
			})
			if err != nil {
				return err
			}
			registrar := operator.NewRegistrar(chain.NewTrustRegistry(transactor, addresses, cfg.Operator.MetadataUri),
				signer, transactor, operator.DefaultRegistrationExpiry, sLogger)
			if cfg.Operator.Register {
				// the worker's transactions are only accepted from a registered operator
				if err := registrar.RegisterIfNeeded(ctx); err != nil {
					return errors.Wrap(err, "registering operator")
				}
			}
			if cfg.Operator.Attest {
				attester = registrar
			}
		}

		var sink interface {
			remediation.AuditSink
			kafka.DeadLetterSink
		}
		if cfg.Elastic.Stub {
			log.Printf("[WARN] main: stubbing elastic client")
			sink = elastic.NewStubClient(sLogger)
		} else {
			cert, err := os.ReadFile(cfg.Elastic.Certificate)
			if err != nil {
				log.Printf("[WARN] main: could not read elastic certificate: %v", err)
			}
			sink, err = elastic.NewClient(elastic.Config{
				Addresses:        cfg.Elastic.Addresses,
				Username:         cfg.Elastic.Username,
				Password:         cfg.Elastic.Password,
				CACert:           cert,
				Timeout:          cfg.Elastic.Timeout,
				MaxRetries:       cfg.Elastic.MaxRetries,
				RetryBackoff:     calculateBackoff(),
				RemediationIndex: cfg.Elastic.RemediationIndex,
				DeadLetterIndex:  cfg.Elastic.DeadLetterIndex,
			})
			if err != nil {
				return errors.Wrap(err, "creating elastic client")
			}
		}

		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.ConsumeTopics(cfg.Broker.JobsTopic),
			kgo.ConsumerGroup(cfg.Broker.ConsumerGroup),
			kgo.BlockRebalanceOnPoll(),
			kgo.DisableAutoCommit(),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka consumer client")
		}
		defer kcl.Close()

		proc := remediation.NewProcessor(registry, chain.NewRemediationSubmitter(transactor, contract), attester,
			procStore, sink, cfg.Sync.BatchSize, m, sLogger)
		consumer := kafka.NewConsumer(kcl, kafka.ConsumerConfig{
			JobsTopic:       cfg.Broker.JobsTopic,
			DeadLetterTopic: cfg.Broker.DeadLetterTopic,
			MaxAttempts:     cfg.Broker.MaxAttempts,
			MaxPollRecords:  cfg.Broker.MaxPollRecords,
		}, sink, m, sLogger)
		group.Go(func() error {
			err := consumer.Consume(ctx, proc)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	} else {
		log.Println("[WARN] main: remediation worker disabled")
	}

	statusCache := api.NewStatusCache(procStore, chainClient, registry, m, cfg.Server.StatusCacheTtl)
	go statusCache.Start()
	defer statusCache.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.Health)
	mux.Handle("/v1/status", api.NewStatusHandler(statusCache, sLogger))
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.Server.HttpHost, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	group.Go(func() error {
		log.Printf("main: Starting status and metrics endpoint on [%s].", cfg.Server.HttpHost)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serving http")
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Println("main: Service started.")
	err = group.Wait()
	log.Println("main: Service stopped.")
	return err
}

func trustRegistryAddresses(deploymentsFolder string, chainID uint64, explicit chain.TrustRegistryAddresses) (chain.TrustRegistryAddresses, error) {
	if deploymentsFolder == "" {
		if explicit.DelegationManager == (common.Address{}) || explicit.StakeRegistry == (common.Address{}) {
			return explicit, errors.New("trust registry addresses missing: set a deployments folder or the contract addresses")
		}
		return explicit, nil
	}
	addresses, err := chain.LoadDeployment(deploymentsFolder, chainID)
	if err != nil {
		return addresses, errors.Wrap(err, "loading deployment")
	}
	return addresses, nil
}

// calculateBackoff needs retry number because of multi threading
func calculateBackoff() func(i int) time.Duration {
	return func(i int) time.Duration {
		d := kafka.CalculateBackoff(i)
		log.Printf("[WARN] elasticsearch client retry [%d] in %v.", i, d)
		return d
	}
}
