// Package daemon assembles a node from its parts and runs it: index client,
// template registry, signature engine, resolver, deletion routing, both sync
// loops and the HTTP surface, wired once at startup and torn down in reverse
// when the context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/api"
	"github.com/oipwg/oipd/arweave"
	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/deletion"
	"github.com/oipwg/oipd/es"
	"github.com/oipwg/oipd/events"
	"github.com/oipwg/oipd/gun"
	"github.com/oipwg/oipd/media"
	"github.com/oipwg/oipd/resolver"
	"github.com/oipwg/oipd/sig"
	"github.com/oipwg/oipd/sync"
	"github.com/oipwg/oipd/template"
)

// Daemon owns every long-lived subsystem of a running node.
type Daemon struct {
	cfg *config.Config
	log *logrus.Entry

	index    *es.Client
	registry *template.Registry
	auth     *auth.Service
	node     *auth.Wallet

	store *gun.Store
	mesh  *gun.Manager
	graph *gun.Client

	notifier events.Notifier
	pending  sync.PendingQueue

	writer      *sync.Writer
	pipeline    *sync.Pipeline
	arweaveLoop *sync.ArweaveLoop
	gunLoop     *sync.GunLoop

	resolver  *resolver.Resolver
	deletions *deletion.Processor
	intents   *deletion.Registry
	publisher *api.Publisher
	server    *api.Server

	peers []string

	// closers run in reverse registration order during shutdown.
	closers []func() error
}

// New wires the daemon from configuration. Returned errors carry failure
// kinds so the command layer can pick an exit code: a policy kind means a
// forbidden peer, a decode kind means the stored sync state is corrupt, and
// everything else is a plain startup failure.
func New(ctx context.Context, cfg *config.Config) (d *Daemon, err error) {
	d = &Daemon{
		cfg: cfg,
		log: common.ComponentLogger("daemon"),
	}
	// Half-built daemons release whatever they opened. The extra variable
	// matters: error paths return a nil Daemon through the named result.
	boot := d
	defer func() {
		if err != nil {
			boot.close()
		}
	}()

	if d.peers, err = allowedPeers(cfg, d.log); err != nil {
		return nil, err
	}

	if d.index, err = es.NewClient(cfg.Elasticsearch); err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}
	if err = d.index.EnsureIndices(ctx); err != nil {
		return nil, fmt.Errorf("ensure indices: %w", err)
	}
	// Probe the high-water document before anything trusts it. A decode
	// failure here is index corruption, not a transient fault.
	if _, err = d.index.ReadState(ctx, "arweave"); err != nil {
		return nil, fmt.Errorf("sync state: %w", err)
	}

	d.registry = template.NewRegistry(d.index, d.index)
	if err = d.registry.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if err = arweave.Bootstrap(ctx, d.registry); err != nil {
		return nil, fmt.Errorf("bootstrap templates: %w", err)
	}

	mnemonic := cfg.Auth.NodeMnemonic
	if mnemonic == "" {
		if mnemonic, err = auth.NewMnemonic(); err != nil {
			return nil, fmt.Errorf("node mnemonic: %w", err)
		}
		d.log.Warn("no node mnemonic configured, publishing identity is ephemeral")
	}
	if d.node, err = auth.WalletFromMnemonic(mnemonic); err != nil {
		return nil, fmt.Errorf("node wallet: %w", err)
	}
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
	d.auth = auth.NewService(d.index, tokens, auth.WithNodeKey(auth.NodeKeyFromMnemonic(mnemonic)))

	if d.store, err = gun.OpenStore(cfg.Gun.DBPath); err != nil {
		return nil, fmt.Errorf("gun store: %w", err)
	}
	d.closers = append(d.closers, d.store.Close)

	// The mesh handler and the client point at each other; the handler
	// closure is not invoked until the mesh starts, so the late assignment
	// is safe.
	var graph *gun.Client
	d.mesh = gun.NewManager(gun.DefaultPeerConfig(d.peers), func(from string, msg *gun.Message) {
		graph.HandleFrame(from, msg)
	})
	var clientOpts []gun.ClientOption
	if cfg.Gun.FetchTimeout > 0 {
		clientOpts = append(clientOpts, gun.WithAckTimeout(cfg.Gun.FetchTimeout))
	}
	graph = gun.NewClient(d.store, d.mesh, clientOpts...)
	d.graph = graph
	d.closers = append(d.closers, d.mesh.Close)

	d.notifier = events.Nop{}
	if cfg.AMQP.URL != "" {
		rabbit, rerr := events.NewRabbit(cfg.AMQP)
		if rerr != nil {
			return nil, fmt.Errorf("amqp: %w", rerr)
		}
		d.notifier = rabbit
		d.closers = append(d.closers, rabbit.Close)
	}

	d.pending = sync.NewMemoryPending(0)
	if cfg.Redis.URL != "" {
		redisPending, rerr := sync.NewRedisPending(ctx, cfg.Redis)
		if rerr != nil {
			return nil, fmt.Errorf("redis pending queue: %w", rerr)
		}
		d.pending = redisPending
		d.closers = append(d.closers, redisPending.Close)
	}

	failed := sync.NewFailedSet(cfg.Resolver.FailedSetSize)
	creators := sync.NewCreatorDirectory(d.index)
	verifier := sig.NewEngine(creators)

	d.resolver = resolver.New(d.index, d.registry, failed, resolver.Options{
		MaxDepth:        cfg.Resolver.DepthMax,
		CacheEntries:    cfg.Resolver.CacheEntries,
		CacheTTL:        cfg.Resolver.CacheTTL,
		NotFoundEntries: cfg.Resolver.NotFoundCap,
		NotFoundTTL:     cfg.Resolver.NotFoundTTL,
		HopTimeout:      cfg.Resolver.HopTimeout,
	})

	d.writer = sync.NewWriter(cfg.Sync.WriterQueueDepth)
	d.intents = deletion.NewRegistry(d.graph)
	d.deletions = deletion.NewProcessor(
		sync.WriterIndex{Index: d.index, Writer: d.writer},
		deletion.WithGraphStore(d.store),
		deletion.WithInvalidator(d.resolver),
		deletion.WithAdminPolicy(deletion.AdminPolicy{
			BaseDomain: cfg.Auth.AdminDomain(),
			NodeKeyHex: d.node.PublicKey,
			Users:      d.auth,
		}),
		deletion.WithApplied(func(e *deletion.Entry) {
			d.notifier.RecordDeleted(e.DID, string(e.Origin))
		}),
	)

	d.pipeline = sync.NewPipeline(sync.PipelineDeps{
		Templates: d.registry,
		Creators:  creators,
		Verifier:  verifier,
		Index:     d.index,
		Writer:    d.writer,
		Failed:    failed,
		Pending:   d.pending,
		Deletions: d.deletions,
		Keys:      d.auth,
		Sink:      d.notifier,
		Resolver:  d.resolver,
	})

	chain, cerr := arweave.NewClient(cfg.Arweave)
	if cerr != nil {
		return nil, fmt.Errorf("arweave client: %w", cerr)
	}
	d.arweaveLoop = sync.NewArweaveLoop(chain, d.index, d.pipeline, d.writer, cfg.Arweave)
	d.gunLoop = sync.NewGunLoop(d.graph, d.index, d.intents, d.deletions, d.pipeline, cfg.Gun)

	pubDeps := api.PublisherDeps{
		Auth:      d.auth,
		Templates: d.registry,
		Records:   d.index,
		Graph:     d.graph,
		Intents:   d.intents,
		Gate:      d.deletions,
		Node:      d.node,
	}
	if cfg.Arweave.PublisherURL != "" {
		chainPub, perr := arweave.NewPublisher(cfg.Arweave.PublisherURL)
		if perr != nil {
			return nil, fmt.Errorf("arweave publisher: %w", perr)
		}
		pubDeps.Chain = chainPub
	}
	d.publisher = api.NewPublisher(pubDeps)

	mediaSvc := &api.MediaService{
		Builder: media.NewBuilder(cfg.Media.ThumbnailSize),
		Seeder:  media.NewSeeder(cfg.Media.MaxSeeds, cfg.Media.SeedBandwidth),
	}
	if cfg.Media.MirrorEnabled {
		mirror, merr := media.NewS3Mirror(ctx, cfg.Media)
		if merr != nil {
			return nil, fmt.Errorf("s3 mirror: %w", merr)
		}
		if merr = mirror.EnsureBucket(ctx); merr != nil {
			return nil, fmt.Errorf("s3 bucket: %w", merr)
		}
		mediaSvc.Uploader = mirror
		mediaSvc.Fetcher = mirror
	}

	d.server = api.NewServer(cfg.Server)
	api.SetupRoutes(d.server.Echo(), &api.Handlers{
		Auth:      d.auth,
		Records:   d.index,
		Resolver:  d.resolver,
		Templates: d.registry,
		Publisher: d.publisher,
		Health: &api.Health{
			Index:           d.index,
			Chain:           d.arweaveLoop,
			Graph:           d.gunLoop,
			Mesh:            d.mesh,
			Queue:           d.writer,
			Pending:         d.pipeline,
			Resolver:        d.resolver,
			ConfiguredPeers: len(d.peers),
		},
		Socket:   api.NewSocketGateway(d.mesh, d.peers),
		Media:    mediaSvc,
		DepthMax: cfg.Resolver.DepthMax,
	})

	d.log.WithFields(logrus.Fields{
		"peers": len(d.peers),
		"node":  d.node.PublicKey,
	}).Info("daemon wired")
	return d, nil
}

// allowedPeers applies the whitelist policy. Strict mode turns any malformed
// entry into a policy failure; otherwise bad entries are dropped with a
// warning and the rest of the whitelist stands.
func allowedPeers(cfg *config.Config, log *logrus.Entry) ([]string, error) {
	if cfg.Gun.Strict {
		if err := cfg.ValidatePeers(); err != nil {
			return nil, common.Fail(common.FailurePolicy, fmt.Errorf("peer whitelist: %w", err))
		}
		return cfg.Gun.Peers, nil
	}
	peers := make([]string, 0, len(cfg.Gun.Peers))
	for _, peer := range cfg.Gun.Peers {
		u, err := url.Parse(peer)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			log.WithField("peer", peer).Warn("dropping malformed whitelist entry")
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Run starts every loop and blocks until the context is cancelled or a loop
// fails. Shutdown drains in dependency order: loops first, then the writer
// flushes, then connections close.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.writer.Start(ctx)
	d.pipeline.Start(ctx)
	d.mesh.Start()

	errc := make(chan error, 3)
	go func() { errc <- d.arweaveLoop.Run(ctx) }()
	go func() { errc <- d.gunLoop.Run(ctx) }()
	go func() { errc <- d.server.Start(ctx) }()

	// The node's creator registration makes its signatures verifiable by
	// peers. Best effort: a node without a reachable backend still serves.
	if did, err := d.publisher.EnsureCreatorRegistration(ctx, d.node, ""); err != nil {
		d.log.WithError(err).Warn("node creator registration failed")
	} else {
		d.log.WithField("did", did).Info("node creator registered")
	}
	d.log.Info("daemon running")

	var firstErr error
	for i := 0; i < cap(errc); i++ {
		err := <-errc
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	d.writer.Wait()
	if err := d.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return firstErr
	}
	d.log.Info("daemon stopped")
	return nil
}

// close releases resources in reverse wiring order. Safe to call twice.
func (d *Daemon) close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}
