package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/consensus"
	"github.com/ruvnet/bftreplica/internal/cst"
	"github.com/ruvnet/bftreplica/internal/executor"
	"github.com/ruvnet/bftreplica/internal/metrics"
	"github.com/ruvnet/bftreplica/internal/rlog"
	"github.com/ruvnet/bftreplica/internal/server"
	"github.com/ruvnet/bftreplica/internal/service"
	"github.com/ruvnet/bftreplica/internal/transport"
	"github.com/ruvnet/bftreplica/internal/view"
	"github.com/ruvnet/bftreplica/internal/wire"
)

// replicaIds returns [0, n), the full replica membership every broadcast
// and CST round targets.
func replicaIds(n int) []wire.NodeId {
	ids := make([]wire.NodeId, n)
	for i := range ids {
		ids[i] = wire.NodeId(i)
	}
	return ids
}

var (
	clusterFile  string
	signingKey   string
	peerKeysFile string
	metricsAddr  string
	recover_     bool
)

var rootCmd = &cobra.Command{
	Use:   "bftreplica",
	Short: "Runs one replica of a Byzantine fault-tolerant replicated state machine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bootstrap the mesh and run the replica event loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&clusterFile, "cluster", "", "path to the cluster membership JSON file")
	serveCmd.Flags().StringVar(&signingKey, "signing-key", "", "path to this replica's base64-encoded Ed25519 private key")
	serveCmd.Flags().StringVar(&peerKeysFile, "peer-keys", "", "path to the JSON node-id -> base64 public key table")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9100", "address to serve /metrics on")
	serveCmd.Flags().BoolVar(&recover_, "recover", false, "run a CST recovery round before joining consensus")
	serveCmd.MarkFlagRequired("cluster")
	serveCmd.MarkFlagRequired("signing-key")
	serveCmd.MarkFlagRequired("peer-keys")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	addrs, err := config.LoadCluster(clusterFile)
	if err != nil {
		return err
	}
	cfg.Replica.Addrs = addrs

	if err := cfg.Replica.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	signer, err := config.LoadSigningKey(signingKey)
	if err != nil {
		return err
	}
	verifier, err := config.LoadPeerKeys(peerKeysFile)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	go serveMetrics(metricsAddr, logger)

	ch := channel.New()

	node, err := transport.Bootstrap(&cfg.Replica, cfg.Timeouts, signer, verifier, ch, logger, m)
	if err != nil {
		return err
	}
	defer node.Close()

	vi := view.New(cfg.Replica.N)
	log := rlog.New(cfg.Timeouts.BatchSize)
	allReplicas := replicaIds(cfg.Replica.N)

	engine := consensus.New(consensus.Config{
		NodeId:      cfg.Replica.Id,
		Quorum:      cfg.Replica.Quorum(),
		BatchSize:   cfg.Timeouts.BatchSize,
		Replicas:    allReplicas,
		View:        vi,
		Broadcaster: node,
		Logger:      logger,
		Metrics:     m,
	})

	protocol := cst.New(cst.Config{
		NodeId:      cfg.Replica.Id,
		Quorum:      cfg.Replica.Quorum(),
		Faulty:      cfg.Replica.F,
		Replicas:    allReplicas,
		BaseTimeout: cfg.Timeouts.CstTimeout,
		Broadcaster: node,
		Logger:      logger,
		Metrics:     m,
	})

	exec := executor.New(executor.Config[service.KVState, service.KVOp, service.KVResult]{
		Service:      service.KVService{},
		RequestCodec: service.JSONCodec[service.KVOp]{},
		ReplyCodec:   service.JSONCodec[service.KVResult]{},
		StateCodec:   service.JSONCodec[service.KVState]{},
		Out:          ch,
		Logger:       logger,
	})
	go exec.Run()
	defer exec.Close()

	srv := server.New(server.Config{
		NodeId:   cfg.Replica.Id,
		Node:     node,
		Engine:   engine,
		Log:      log,
		Cst:      protocol,
		View:     vi,
		Executor: exec,
		Timeouts: cfg.Timeouts,
		Logger:   logger,
		Metrics:  m,
	})

	if recover_ {
		srv.StartRecovery()
	}

	logger.Info("replica serving", zap.Uint32("id", uint32(cfg.Replica.Id)), zap.Int("n", cfg.Replica.N), zap.Int("f", cfg.Replica.F))
	srv.Run(ch.Recv())
	return nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	return cfg.Build()
}
