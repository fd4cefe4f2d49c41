package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/bftreplica/internal/channel"
	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/service"
	"github.com/ruvnet/bftreplica/internal/transport"
	"github.com/ruvnet/bftreplica/internal/wire"
)

var (
	clusterFile  string
	signingKey   string
	peerKeysFile string
	clientId     uint32
	nReplicas    int
	fFaults      int
	reqTimeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "bftclient",
	Short: "Submits operations to a Byzantine fault-tolerant replicated key-value store",
}

var putCmd = &cobra.Command{
	Use:   "put [key] [value]",
	Args:  cobra.ExactArgs(2),
	Short: "Store a value",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(service.KVOp{Kind: "put", Key: args[0], Value: args[1]})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Args:  cobra.ExactArgs(1),
	Short: "Fetch a value",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(service.KVOp{Kind: "get", Key: args[0]})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&clusterFile, "cluster", "", "path to the cluster membership JSON file")
	rootCmd.PersistentFlags().StringVar(&signingKey, "signing-key", "", "path to this client's base64-encoded Ed25519 private key")
	rootCmd.PersistentFlags().StringVar(&peerKeysFile, "peer-keys", "", "path to the JSON node-id -> base64 public key table")
	rootCmd.PersistentFlags().Uint32Var(&clientId, "id", 1000, "this client's node id (must be >= first_cli)")
	rootCmd.PersistentFlags().IntVar(&nReplicas, "n", 4, "cluster size")
	rootCmd.PersistentFlags().IntVar(&fFaults, "f", 1, "tolerated faults")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "timeout", 5*time.Second, "time to wait for a quorum of matching replies")
	rootCmd.MarkPersistentFlagRequired("cluster")
	rootCmd.MarkPersistentFlagRequired("signing-key")
	rootCmd.MarkPersistentFlagRequired("peer-keys")

	rootCmd.AddCommand(putCmd, getCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func submit(op service.KVOp) error {
	requestId := uuid.New()
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logger = logger.With(zap.String("request_id", requestId.String()))

	addrs, err := config.LoadCluster(clusterFile)
	if err != nil {
		return err
	}
	cfg := &config.ReplicaConfig{
		N:            nReplicas,
		F:            fFaults,
		Id:           wire.NodeId(clientId),
		FirstClient:  wire.NodeId(nReplicas),
		Addrs:        addrs,
		TLSCertFile:  os.Getenv("BFT_TLS_CERT"),
		TLSKeyFile:   os.Getenv("BFT_TLS_KEY"),
		TLSClientCAs: os.Getenv("BFT_TLS_CA"),
	}

	signer, err := config.LoadSigningKey(signingKey)
	if err != nil {
		return err
	}
	verifier, err := config.LoadPeerKeys(peerKeysFile)
	if err != nil {
		return err
	}

	ch := channel.New()
	timeouts := config.TimeoutConfig{PeerWriteTimeout: 2 * time.Second}
	node, err := transport.Bootstrap(cfg, timeouts, signer, verifier, ch, logger, nil)
	if err != nil {
		return err
	}
	defer node.Close()

	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	req := &wire.SystemMessage{Kind: wire.SystemRequest, Request: &wire.RequestMessage{
		ClientId:  cfg.Id,
		Operation: payload,
		Timestamp: time.Now(),
	}}

	quorum := cfg.F + 1 // f+1 matching replies are enough: at least one is from an honest replica
	if err := node.Broadcast(req, replicaIds(cfg.N)); err != nil {
		logger.Warn("broadcast to some replicas failed", zap.Error(err))
	}

	votes := make(map[string]int)
	deadline := time.After(reqTimeout)
	for {
		select {
		case msg := <-ch.Recv():
			if msg.Kind != channel.KindSystem || msg.System == nil || msg.System.Kind != wire.SystemReply {
				continue
			}
			votes[string(msg.System.Reply.Payload)]++
			if votes[string(msg.System.Reply.Payload)] >= quorum {
				var result service.KVResult
				if err := json.Unmarshal(msg.System.Reply.Payload, &result); err != nil {
					return err
				}
				printResult(op, result)
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for %d matching replies", quorum)
		}
	}
}

func printResult(op service.KVOp, result service.KVResult) {
	switch op.Kind {
	case "put":
		fmt.Printf("OK %s=%s\n", op.Key, result.Value)
	case "get":
		if result.Found {
			fmt.Printf("%s=%s\n", op.Key, result.Value)
		} else {
			fmt.Printf("%s not found\n", op.Key)
		}
	}
}

func replicaIds(n int) []wire.NodeId {
	ids := make([]wire.NodeId, n)
	for i := range ids {
		ids[i] = wire.NodeId(i)
	}
	return ids
}
