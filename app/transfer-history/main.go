package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/augmint/transfer-history/api"
	"github.com/augmint/transfer-history/business/domain/transfer"
	"github.com/augmint/transfer-history/external/elastic"
	"github.com/augmint/transfer-history/external/ethereum"
	"github.com/augmint/transfer-history/external/kafka"
	"github.com/augmint/transfer-history/infrastructure/store/pebbledb"
	"github.com/augmint/transfer-history/metrics"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const prefix = "AUGMINT_TRANSFER_HISTORY"

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
		return errors.Wrap(err, "creating logger")
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		InternalStoreFolder string `conf:"default:store"`
		ServerListenAddr    string `conf:"default:0.0.0.0:8000"`
		MetricsNamespace    string `conf:"default:augmint_transfer_history"`
		Ethereum            struct {
			RpcUrl       string        `conf:"default:ws://localhost:8545"`
			TokenAddress string        `conf:"default:0xe54f61d6EaDF03b658b3354BbD80cF563fEca34c"`
			LegacyTokens []string      `conf:"optional"`
			DeployBlock  uint64        `conf:"default:0"`
			LogPageSize  uint64        `conf:"default:50000"`
			ReadTimeout  time.Duration `conf:"default:30s"`
		}
		Token struct {
			FeePt  string `conf:"default:0.002"`
			FeeMin int64  `conf:"default:1"`
			FeeMax int64  `conf:"default:500"`
		}
		History struct {
			CacheTtl         time.Duration `conf:"default:10m"`
			TimestampWorkers int           `conf:"default:8"`
			MaxProcessed     int           `conf:"default:10000"`
			Watch            bool          `conf:"default:true"`
		}
		Kafka struct {
			Enabled          bool          `conf:"default:false"`
			BootstrapServers []string      `conf:"default:localhost:9092"`
			TransferTopic    string        `conf:"default:augmint-transfers"`
			WriteTimeout     time.Duration `conf:"default:30s"`
		}
		Elastic struct {
			Enabled bool          `conf:"default:false"`
			Address string        `conf:"default:http://localhost:9200"`
			Index   string        `conf:"default:augmint-transfers"`
			Timeout time.Duration `conf:"default:10s"`
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

	feePt, err := decimal.NewFromString(cfg.Token.FeePt)
	if err != nil {
		return errors.Wrap(err, "parsing fee rate")
	}
	feeParams := transfer.FeeParams{FeePt: feePt, FeeMin: cfg.Token.FeeMin, FeeMax: cfg.Token.FeeMax}

	store, err := pebbledb.NewHistoryStore(cfg.InternalStoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating history store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ethClient, err := ethereum.NewClient(ctx, cfg.Ethereum.RpcUrl, cfg.Ethereum.TokenAddress, cfg.Ethereum.LogPageSize)
	if err != nil {
		return errors.Wrap(err, "creating ethereum client")
	}

	var publishers []transfer.Publisher
	if cfg.Kafka.Enabled {
		kafkaMetrics := kprom.NewMetrics(cfg.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kafkaMetrics),
			kgo.DefaultProduceTopic(cfg.Kafka.TransferTopic),
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publishers = append(publishers, kafka.NewClient(kcl))
	}
	if cfg.Elastic.Enabled {
		elasticClient, err := elastic.NewClient(cfg.Elastic.Address, cfg.Elastic.Index, cfg.Elastic.Timeout)
		if err != nil {
			return errors.Wrap(err, "creating elastic client")
		}
		publishers = append(publishers, elasticClient)
	}

	m := metrics.NewMetrics(cfg.MetricsNamespace)

	cache := transfer.NewHistoryCache(cfg.History.CacheTtl)
	go cache.Start()
	defer cache.Stop()

	service := transfer.NewHistoryService(ethClient, store, cache, transfer.Config{
		FetchTimeout:     cfg.Ethereum.ReadTimeout,
		PublishTimeout:   cfg.Kafka.WriteTimeout,
		TimestampWorkers: cfg.History.TimestampWorkers,
		TokenDeployBlock: cfg.Ethereum.DeployBlock,
		LegacyTokens:     cfg.Ethereum.LegacyTokens,
	}, sLogger, m, publishers...)

	// live events need a subscription capable (websocket or ipc) endpoint
	var tracker api.Tracker
	watcherErrors := make(chan error, 1)
	if cfg.History.Watch && !strings.HasPrefix(cfg.Ethereum.RpcUrl, "http") {
		watcher := transfer.NewWatcher(ethClient, service, transfer.NewRefreshPolicy(cfg.History.MaxProcessed), sLogger, m)
		tracker = watcher
		go func() {
			watcherErrors <- watcher.Start(ctx)
		}()
	} else {
		log.Println("[WARN] main: watching transfer events disabled")
	}

	handler := api.NewHandler(service, store, tracker, feeParams)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("main: Starting server on addr [%s].", cfg.ServerListenAddr)
		serverErr <- http.ListenAndServe(cfg.ServerListenAddr, handler.Router())
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-watcherErrors:
			return errors.Wrap(err, "watching transfers")
		case err := <-serverErr:
			return errors.Wrap(err, "server error")
		}
	}
}
