// Command node runs a single redgold-network node: it loads configuration,
// opens the data store, and starts every component described in
// SPEC_FULL.md wired together through a Relay (core/relay.go).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"redgold-network/core"
	"redgold-network/pkg/config"
)

func main() {
	log := logrus.New()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("load .env file")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load configuration")
	}
	if lvl, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, ferr := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			log.WithError(ferr).Fatal("open log file")
		}
		log.SetOutput(f)
	}

	key, err := loadOrCreateKey()
	if err != nil {
		log.WithError(err).Fatal("load node key")
	}

	relayCfg := &core.RelayConfig{
		PeerSendTimeout:     time.Duration(cfg.Timeouts.PeerSend) * time.Second,
		BroadcastTimeout:    time.Duration(cfg.Timeouts.BroadcastSend) * time.Second,
		DiscoveryTick:       time.Duration(cfg.Timeouts.DiscoveryTick) * time.Second,
		PeerDeadAfter:       time.Duration(cfg.Timeouts.PeerDeadAfter) * time.Second,
		MultipartyTimeout:   time.Duration(cfg.Timeouts.MultipartySM) * time.Second,
		MempoolCapacity:     cfg.Mempool.Capacity,
		ProcessorBufferSize: cfg.Mempool.ProcessorBufferSize,
		BucketParallelism:   cfg.Contracts.BucketParallelism,
		DataDir:             cfg.Storage.DataDir,
		BootstrapPeers:      cfg.Network.BootstrapPeers,
	}

	self := core.NodeMetadata{
		PublicKey:       key.Public,
		ExternalAddress: "0.0.0.0",
		PortBase:        cfg.Network.NodeListenPort,
		Identifier:      cfg.Network.Environment,
	}

	store, err := core.OpenStore(core.StoreConfig{
		DataDir:          cfg.Storage.DataDir,
		Environment:      cfg.Network.Environment,
		SnapshotInterval: 500,
	})
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer store.Close()
	store.SetDynamicMetadata(self)

	relay := core.NewRelay(self, relayCfg, store, log)
	go relay.WatchAborts()

	metrics := core.NewMetrics()
	trust := core.NewTrustTable()

	transport, err := core.NewTransport(relay, key.Private, metrics)
	if err != nil {
		log.WithError(err).Fatal("create transport")
	}
	discovery := core.NewDiscovery(relay, transport, trust, metrics)
	inbound := core.NewInboundHandler(relay, transport, discovery, trust, key, metrics)

	partyEngine := core.NewPartyEngine(key.PublicKey(), relay.Log)
	inbound.SetPartyEngine(partyEngine)

	deployPolicy, err := core.LoadDeployPolicy(filepath.Join(cfg.Storage.DataDir, "deploy_policy.yaml"))
	if err != nil {
		log.WithError(err).Fatal("load deploy policy")
	}

	mempool := core.NewMempool(relay, metrics)
	writer := core.NewWriter(relay, metrics)
	shards := core.NewShardRouter(relay, relayCfg.BucketParallelism, deployPolicy, metrics)
	mempool.SetShardRouter(shards)
	bus := core.NewBus(trust, relay.Log)
	sanity := core.NewSanity(relay, metrics, nil)

	// core.NewCoordinator (C8) is intentionally not constructed here: it
	// needs a core.ThresholdSigner, and the threshold-ECDSA keygen/signing
	// primitive itself is an assumed external library (spec §1, §4.8, §9 —
	// out of scope for this core). A deployment that has one wires
	// core.NewCoordinator(relay, transport, bus, trust, signer, engineFor,
	// key, metrics) and calls inbound.SetCoordinator(coord) here.

	stop := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	go mempool.Run(stop)
	go writer.Run(stop)
	shards.Run(stop)
	go discovery.Run(ctx)

	for _, feedURL := range cfg.Party.ExternalFeeds {
		feed := core.NewExternalFeed(feedURL, relay.Log)
		go feed.Run(ctx)
		go pumpExternalFeed(ctx, feed, partyEngine)
	}

	if err := sanity.RunMigrations(); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	if len(relayCfg.BootstrapPeers) > 0 {
		if _, ok := store.Genesis(); !ok {
			go bootstrapDownload(ctx, relay, transport, metrics, log, relayCfg.BootstrapPeers)
		}
	}

	peerSrv := &http.Server{Addr: addrFor(cfg.Network.NodeListenPort + 1), Handler: inbound.Router()}
	busSrv := &http.Server{Addr: addrFor(cfg.Network.BusPort), Handler: bus.Router()}

	go func() {
		if err := peerSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("peer API server exited")
		}
	}()
	go func() {
		if err := busSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("multiparty bus server exited")
		}
	}()
	go func() {
		if err := metrics.Serve(ctx, addrFor(cfg.Network.MetricsPort), relay.Log); err != nil {
			log.WithError(err).Error("metrics server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	close(stop)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = peerSrv.Shutdown(shutdownCtx)
	_ = busSrv.Shutdown(shutdownCtx)
}

func addrFor(port int) string {
	if port <= 0 {
		return ":0"
	}
	return ":" + strconv.Itoa(port)
}

func loadOrCreateKey() (*core.KeyPair, error) {
	if mnemonic := config.TestWordsSeed(); mnemonic != "" {
		return core.KeyPairFromMnemonic(mnemonic, 0)
	}
	return core.GenerateKeyPair()
}

// pumpExternalFeed forwards every AddressEvent a feed produces into the
// party engine until ctx is cancelled.
func pumpExternalFeed(ctx context.Context, feed *core.ExternalFeed, engine *core.PartyEngine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-feed.Events():
			engine.ProcessEvent(ev)
		}
	}
}

func bootstrapDownload(ctx context.Context, relay *core.Relay, transport *core.Transport, metrics *core.Metrics, log *logrus.Logger, bootstrapAddrs []string) {
	downloader := core.NewDownloader(relay, transport, metrics)
	var peers []core.NodeMetadata
	for _, addr := range bootstrapAddrs {
		peers = append(peers, core.NodeMetadata{ExternalAddress: addr, PortBase: relay.Self.PortBase})
	}
	if err := downloader.Run(ctx, peers); err != nil {
		log.WithField("error", err.Error()).Error("bootstrap download failed")
	}
}
