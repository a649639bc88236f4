// Package node assembles the per-process cluster member spec.md §9
// calls for explicitly: a typed *Peer built by constructor injection
// from pkg/config, aggregating the writer, reader, audit and handoff
// services, their transport listeners, and the scheduler loops that
// drive their periodic work, matching the teacher's storagenode.Peer.
package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clusterstore.io/core/pkg/audit"
	"clusterstore.io/core/pkg/catalog"
	"clusterstore.io/core/pkg/config"
	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/handoff"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/reader"
	"clusterstore.io/core/pkg/scheduler"
	"clusterstore.io/core/pkg/transport"
	"clusterstore.io/core/pkg/valuefile"
	"clusterstore.io/core/pkg/wire"
	"clusterstore.io/core/pkg/writer"
)

// Error is the class for peer wiring failures.
var Error = errs.Class("node")

const (
	reapInterval    = time.Minute
	auditInterval   = 10 * time.Minute
	sweepInterval   = 5 * time.Minute
	refreshInterval = time.Minute
)

// Peer is one running cluster node: its local storage, its three
// transport-facing services (writer, reader, the combined audit+handoff
// control service), and the outbound clients and scheduled tasks that
// let it act as the anti-entropy coordinator and a handoff forwarder for
// its peers.
type Peer struct {
	log *zap.Logger
	cfg config.Config

	DB   *metadata.DB
	Repo *valuefile.Repository

	Writer  *writer.Service
	Reader  *reader.Service
	Audit   *audit.Service
	Handoff *handoff.Server

	writerServer  *transport.Server
	readerServer  *transport.Server
	controlServer *transport.Server

	auditor *audit.Auditor
	sweep   *handoff.Sweep
	refresh *catalog.Refresher

	peerClients map[string]*transport.Client
	scheduler   *scheduler.Scheduler
}

// stripScheme removes the "transport://" prefix spec.md §6.2's address
// strings carry, leaving a bare host:port dialable by net.Dial.
func stripScheme(addr string) string {
	return strings.TrimPrefix(addr, "transport://")
}

// New wires a Peer from cfg: opens the local database and value-file
// repository, constructs the writer/reader/audit/handoff services, and
// dials every other address in cfg.AntiEntropyServerAddresses so the
// auditor and handoff sweep have somewhere to broadcast.
func New(log *zap.Logger, cfg config.Config, cat catalog.Client, events eventlog.Sink) (*Peer, error) {
	if events == nil {
		events = eventlog.Noop{}
	}

	db, err := metadata.Open(log, cfg.RepositoryPath+"/index.db")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	repo := valuefile.NewRepository(cfg.RepositoryPath)

	p := &Peer{
		log:         log,
		cfg:         cfg,
		DB:          db,
		Repo:        repo,
		Writer:      writer.NewService(log, db, repo, events, cfg.NodeName),
		Reader:      reader.NewService(log, db, repo),
		Audit:       audit.NewService(log, db),
		Handoff:     handoff.NewServer(log, db),
		refresh:     catalog.NewRefresher(log, cat),
		peerClients: map[string]*transport.Client{},
		scheduler:   scheduler.New(),
	}

	for i, addr := range cfg.AntiEntropyServerAddresses {
		name := fmt.Sprintf("peer-%d", i)
		if i < len(cfg.NodeNameSeq) {
			name = cfg.NodeNameSeq[i]
		}
		if name == cfg.NodeName {
			continue
		}
		client, err := transport.NewClient(log, transport.DefaultConfig(), stripScheme(addr), cfg.NodeName, "127.0.0.1:0")
		if err != nil {
			return nil, Error.Wrap(err)
		}
		p.peerClients[name] = client
	}

	nodes := map[string]audit.NodeDigester{cfg.NodeName: localDigester(db)}
	for name, client := range p.peerClients {
		nodes[name] = remoteDigester(client)
	}
	p.auditor = audit.NewAuditor(log, db, events, audit.DefaultConfig(), nodes, p.scheduler)
	p.auditor.SetEscalationHook(func(ctx context.Context, collectionID int64) error {
		return cat.RecordAuditResult(ctx, catalog.AuditResultRow{CollectionID: collectionID, State: metadata.AuditError, Timestamp: nowSeconds()})
	})

	p.sweep = handoff.NewSweep(log, events, sweepSource{clients: p.peerClients}, func(holder string) (handoff.RetrieveClient, handoff.ArchiveClient, handoff.PurgeClient) {
		client := p.peerClients[holder]
		return retrieveClient{client: client}, archiveClient{client: client}, purgeClient{client: client}
	})

	p.controlServer = transport.NewServer(log, p.controlHandle, transport.DialReplyPoster{})
	p.writerServer = transport.NewServer(log, p.Writer.Handle, transport.DialReplyPoster{})
	p.readerServer = transport.NewServer(log, p.Reader.Handle, transport.DialReplyPoster{})

	return p, nil
}

func localDigester(db *metadata.DB) audit.NodeDigester {
	return func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest {
		count, sum, err := audit.LocalDigest(db, collectionID)
		if err != nil {
			return audit.NodeDigest{Err: err}
		}
		return audit.NodeDigest{Count: count, Digest: sum}
	}
}

// controlHandle routes the audit and handoff verb families onto the one
// transport.Server this node's peers dial for both, matching the single
// ANTI_ENTROPY_SERVER_ADDRESSES entry spec.md §6.2 names per node.
func (p *Peer) controlHandle(ctx context.Context, msg wire.Message) (*wire.Message, error) {
	switch msg.Control.MessageType {
	case wire.VerbConsistencyCheck, wire.VerbAntiEntropyAuditReq:
		return p.Audit.Handle(ctx, msg)
	case wire.VerbWhatHaveYouStoredForMe, wire.VerbPurgeHandoff:
		return p.Handoff.Handle(ctx, msg)
	default:
		return nil, Error.New("unrecognized control verb: %s", msg.Control.MessageType)
	}
}

// Listen binds all three of this node's transport listeners.
func (p *Peer) Listen() error {
	if err := p.controlServer.Listen(stripScheme(p.ownControlAddress())); err != nil {
		return err
	}
	if err := p.writerServer.Listen(stripScheme(p.cfg.DataWriterAddress)); err != nil {
		return err
	}
	if err := p.readerServer.Listen(stripScheme(p.cfg.DataReaderAddress)); err != nil {
		return err
	}
	return nil
}

// ownControlAddress is this node's own entry in AntiEntropyServerAddresses,
// found by its position in NodeNameSeq.
func (p *Peer) ownControlAddress() string {
	idx := p.cfg.SegmentNum() - 1
	if idx < 0 || idx >= len(p.cfg.AntiEntropyServerAddresses) {
		return ""
	}
	return p.cfg.AntiEntropyServerAddresses[idx]
}

// Run starts every background goroutine (transport servers, peer
// clients, and the scheduled reap/audit/sweep/refresh loop) and blocks
// until one of them fails or ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for name, client := range p.peerClients {
		client := client
		name := name
		g.Go(func() error {
			client.Run(gctx)
			p.log.Debug("peer client stopped", zap.String("peer", name))
			return nil
		})
	}

	g.Go(func() error { return p.controlServer.Serve(gctx) })
	g.Go(func() error { return p.writerServer.Serve(gctx) })
	g.Go(func() error { return p.readerServer.Serve(gctx) })

	p.scheduleRecurring(reapInterval, func(ctx context.Context) {
		p.Reader.ReapStaleIterators(time.Now())
	})
	p.scheduleRecurring(refreshInterval, func(ctx context.Context) {
		_ = p.refresh.Refresh(ctx)
	})
	p.scheduleRecurring(auditInterval, func(ctx context.Context) {
		for _, id := range p.refresh.CollectionIDs() {
			if _, err := p.auditor.Audit(ctx, id, nowSeconds()); err != nil {
				p.log.Error("audit round failed", zap.Error(err), zap.Int64("collection-id", id))
			}
		}
	})
	p.scheduleRecurring(sweepInterval, func(ctx context.Context) {
		holders := make([]string, 0, len(p.peerClients))
		for name := range p.peerClients {
			holders = append(holders, name)
		}
		if _, err := p.sweep.Run(ctx, p.cfg.NodeName, holders); err != nil {
			p.log.Error("handoff sweep failed", zap.Error(err))
		}
	})
	g.Go(func() error { p.runScheduler(gctx); return nil })

	return g.Wait()
}

// scheduleRecurring schedules fn to run every interval via p.scheduler,
// re-scheduling itself after each run.
func (p *Peer) scheduleRecurring(interval time.Duration, fn func(ctx context.Context)) {
	var run func(ctx context.Context)
	run = func(ctx context.Context) {
		fn(ctx)
		p.scheduler.Schedule(time.Now().Add(interval), run)
	}
	p.scheduler.Schedule(time.Now().Add(interval), run)
}

// runScheduler drains p.scheduler's due tasks on a short tick, matching
// spec.md §5's single-threaded cooperative loop over the task heap.
func (p *Peer) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scheduler.RunDue(ctx, time.Now())
		}
	}
}

// Close tears down every listener, open value file and the local
// database, per spec.md §5's teardown contract.
func (p *Peer) Close() error {
	var errList []error
	if err := p.controlServer.Close(); err != nil {
		errList = append(errList, err)
	}
	if err := p.writerServer.Close(); err != nil {
		errList = append(errList, err)
	}
	if err := p.readerServer.Close(); err != nil {
		errList = append(errList, err)
	}
	for _, client := range p.peerClients {
		if err := client.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := p.Writer.Close(); err != nil {
		errList = append(errList, err)
	}
	if err := p.DB.Close(); err != nil {
		errList = append(errList, err)
	}
	return Error.Wrap(errs.Combine(errList...))
}

var nowSeconds = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
