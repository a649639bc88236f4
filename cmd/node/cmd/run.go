package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"clusterstore.io/core/pkg/catalog"
	"clusterstore.io/core/pkg/config"
	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metrics"
	"clusterstore.io/core/pkg/node"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start this node and serve its writer, reader and control listeners",
	RunE:  runNode,
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogDir == "" {
		return zap.NewProduction()
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.OutputPaths = []string{filepath.Join(cfg.LogDir, cfg.NodeName+".log")}
	return zapCfg.Build()
}

func runNode(root *cobra.Command, args []string) error {
	cfg, err := config.Load(configViper)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// The catalog is opened locally alongside the node's own repository
	// by default; a deployment with a shared cluster catalog would swap
	// this for a Client dialed to that service instead.
	cat, err := catalog.Open(log, filepath.Join(cfg.RepositoryPath, "catalog.db"))
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()
	if err := seedClusterMembership(cat, cfg); err != nil {
		return err
	}

	peer, err := node.New(log, cfg, cat, eventlog.NewZapSink(log))
	if err != nil {
		return err
	}
	if err := peer.Listen(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddress != "" {
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsServer.Close()
		}()
		log.Info("metrics endpoint listening", zap.String("address", cfg.MetricsAddress))
	}

	log.Info("node starting", zap.String("node-name", cfg.NodeName), zap.Int("segment-num", cfg.SegmentNum()))
	runErr := peer.Run(ctx)
	if closeErr := peer.Close(); closeErr != nil {
		log.Error("error closing peer", zap.Error(closeErr))
	}
	return runErr
}

// seedClusterMembership registers every node of cfg.NodeNameSeq, with
// its 1-based position in that sequence, in the local catalog, so a single-process
// deployment's catalog reflects spec.md §6.2's NODE_NAME_SEQ without a
// separate provisioning step.
func seedClusterMembership(cat *catalog.DB, cfg config.Config) error {
	for i, name := range cfg.NodeNameSeq {
		if err := cat.AddClusterMember(name, i+1); err != nil {
			return err
		}
	}
	return nil
}
