// Command node runs one leaderless orchestration node: it joins the
// cluster overlay, participates in PBFT-lite consensus, replicates decided
// task assignments, and executes the ones assigned to it as containers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/node/pkg/config"
	"github.com/orbitmesh/node/pkg/consensus"
	"github.com/orbitmesh/node/pkg/failure"
	"github.com/orbitmesh/node/pkg/identity"
	"github.com/orbitmesh/node/pkg/logging"
	"github.com/orbitmesh/node/pkg/registry"
	"github.com/orbitmesh/node/pkg/router"
	"github.com/orbitmesh/node/pkg/store"
	"github.com/orbitmesh/node/pkg/transport"
	"github.com/orbitmesh/node/pkg/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		NodeID:   cfg.NodeID,
		FilePath: cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting node", zap.String("node_id", cfg.NodeID), zap.String("swarm", cfg.SwarmName))

	id, err := identity.LoadOrGenerate(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}

	var backend store.Backend
	if cfg.StoreBackend == "file" {
		backend, err = store.NewFileBackend(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("init file store backend: %w", err)
		}
	} else {
		backend = store.NewMemoryBackend()
	}

	taskStore, err := store.New(backend)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(ctx, log)
	reg.Start()
	defer reg.Stop()

	n := newNode(cfg, log, id, reg, taskStore)

	engine := consensus.New(log, cfg.NodeID, cfg.ConsensusQuorum, n, n.onDecide)
	n.engine = engine

	rt := &worker.CommandRuntime{Bin: cfg.ContainerRuntimeBin}
	n.supervisor = worker.New(log, rt)

	rtr := router.New(log, reg, engine)

	tr, err := transport.New(ctx, log, id.PrivateKeyBytes(), cfg.SwarmName, nil, transport.Callbacks{
		OnConnect: func(remotePeer transport.PeerID, pubKeyHex string) {
			log.Info("peer connected", zap.String("peer", remotePeer.String()))
			n.sendHandshake(remotePeer)
		},
		OnData: func(remotePeer transport.PeerID, data []byte) {
			rtr.HandleInbound(remotePeer.String(), data)
		},
		OnClose: func(remotePeer transport.PeerID) {
			log.Info("peer disconnected", zap.String("peer", remotePeer.String()))
		},
		OnError: func(remotePeer transport.PeerID, err error) {
			log.Warn("peer stream error", zap.String("peer", remotePeer.String()), zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}
	n.transport = tr
	defer tr.Shutdown()

	detector := failure.New(ctx, log, reg, taskStore, engine, failure.SelfReassign{}, cfg.NodeID, newOpID,
		cfg.FailureDetectorInterval, cfg.SuspectTimeout, cfg.DeadGrace)
	detector.Start()
	defer detector.Stop()

	n.startTickers(ctx)
	go n.consumeCompletions(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, stopping")
	cancel()
	return nil
}

func newOpID() string { return uuid.NewString() }
