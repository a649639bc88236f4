package audit

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/metrics"
	"clusterstore.io/core/pkg/scheduler"
)

var mon = monkit.Package()

// Config holds the auditor's fixed timing parameters, per spec.md §4.5.
type Config struct {
	// RequestTimeout bounds any single consistency-check attempt; nodes
	// that do not reply within it are treated as error replies.
	RequestTimeout time.Duration
	// MaxRetryCount bounds how many times a mismatched/erroring check is
	// retried before the audit row terminates in error.
	MaxRetryCount int
	// RetryDelay is how long a non-unanimous round waits before its
	// retry round is re-driven, matching the original's "schedule for
	// recheck in an hour" disposition.
	RetryDelay time.Duration
}

// DefaultConfig returns spec.md's fixed auditor timing: a 5-minute
// request timeout, enough retries to absorb transient node blips, and
// an hour's delay between retries.
func DefaultConfig() Config {
	return Config{RequestTimeout: 5 * time.Minute, MaxRetryCount: 3, RetryDelay: time.Hour}
}

// NodeDigest is one node's consistency-check reply: either a digest, or
// an error if the node did not answer within RequestTimeout.
type NodeDigest struct {
	Count  int
	Digest []byte
	Err    error
}

// NodeDigester fetches one node's consistency-check reply for a
// collection. The coordinator calls one per registered node, including
// itself; production wiring dials out over pkg/transport, tests can
// supply an in-process stub.
type NodeDigester func(ctx context.Context, collectionID int64, timestamp float64) NodeDigest

// Outcome is the result of one consistency-check broadcast and
// aggregation round, per spec.md §4.5's decision tree. State is filled
// in by the caller (Audit or AuditOnce) once it has decided the
// terminal/retry disposition; broadcastAndAggregate itself only reports
// whether the round was unanimous.
type Outcome struct {
	State   string
	Success bool
	// Mismatches groups responding node names by their hex-encoded
	// digest, present only when two or more distinct digests were seen.
	Mismatches map[string][]string
	ErrorNodes []string
}

// Auditor is the elected coordinator: it maintains no persistent
// collection-id cache of its own (that lives in pkg/catalog) but owns
// the retry-list for audit rows that did not reach a unanimous round,
// driven by the pkg/scheduler.Scheduler it is given — a non-terminal
// round appends a retry entry due RetryDelay later and returns rather
// than blocking, matching the original's retry-list/retry_time
// disposition instead of looping in process.
type Auditor struct {
	log       *zap.Logger
	db        *metadata.DB
	events    eventlog.Sink
	cfg       Config
	nodes     map[string]NodeDigester
	scheduler *scheduler.Scheduler

	// escalateToItemRepair is the §9 "escalation to item-level repair"
	// hook, called when an audit row exhausts MaxRetryCount. The default
	// no-op leaves item-level repair as a future, out-of-core concern.
	escalateToItemRepair func(ctx context.Context, collectionID int64) error
}

// NewAuditor returns an Auditor broadcasting to nodes (name -> digester,
// including an entry for the local node), recording its own attempts in
// db's audit_record table, and scheduling retry rounds on sched.
func NewAuditor(log *zap.Logger, db *metadata.DB, events eventlog.Sink, cfg Config, nodes map[string]NodeDigester, sched *scheduler.Scheduler) *Auditor {
	if events == nil {
		events = eventlog.Noop{}
	}
	return &Auditor{log: log, db: db, events: events, cfg: cfg, nodes: nodes, scheduler: sched}
}

// SetEscalationHook overrides the default no-op escalate_to_item_repair
// hook from spec.md §9.
func (a *Auditor) SetEscalationHook(fn func(ctx context.Context, collectionID int64) error) {
	a.escalateToItemRepair = fn
}

// Audit starts a retrying consistency check for collectionID: it
// creates a fresh audit_record row and runs the first broadcast/
// aggregate round. If that round is not unanimous, it appends a
// retry-list entry to the scheduler (due RetryDelay later) and returns
// the wait-for-retry outcome immediately — it does not block waiting
// for the retry. The scheduler drives every subsequent round, each one
// incrementing the same row's retry_count, until a round is unanimous
// or MaxRetryCount is exhausted (at which point the row terminates in
// error and the escalation hook fires).
func (a *Auditor) Audit(ctx context.Context, collectionID int64, timestamp float64) (_ Outcome, err error) {
	defer mon.Task()(&ctx)(&err)

	rowID, err := a.db.CreateAuditRecord(collectionID, timestamp)
	if err != nil {
		return Outcome{}, Error.Wrap(err)
	}
	return a.auditRound(ctx, collectionID, timestamp, rowID, 0)
}

// auditRound runs one broadcast/aggregate round against an existing
// audit_record row. A non-terminal round schedules its own retry
// rather than looping here, per the original's retry-list design.
func (a *Auditor) auditRound(ctx context.Context, collectionID int64, timestamp float64, rowID int64, retryCount int) (Outcome, error) {
	outcome := a.broadcastAndAggregate(ctx, collectionID, timestamp)

	if outcome.Success {
		outcome.State = metadata.AuditSuccessful
		if err := a.db.TransitionAuditRecord(rowID, metadata.AuditSuccessful, nowSeconds()); err != nil {
			return outcome, Error.Wrap(err)
		}
		metrics.AuditRounds.WithLabelValues(metadata.AuditSuccessful).Inc()
		a.events.Info("audit-ok", "consistency check unanimous", zap.Int64("collection-id", collectionID))
		return outcome, nil
	}

	if len(outcome.Mismatches) >= 2 {
		a.events.Warn("audit-retry", "consistency check mismatch", zap.Int64("collection-id", collectionID), zap.Int("distinct-digests", len(outcome.Mismatches)))
	}

	if retryCount >= a.cfg.MaxRetryCount {
		if err := a.db.TransitionAuditRecord(rowID, metadata.AuditError, nowSeconds()); err != nil {
			return outcome, Error.Wrap(err)
		}
		outcome.State = metadata.AuditError
		metrics.AuditRounds.WithLabelValues(metadata.AuditError).Inc()
		if a.escalateToItemRepair != nil {
			if err := a.escalateToItemRepair(ctx, collectionID); err != nil {
				a.log.Error("escalate-to-item-repair failed", zap.Error(err), zap.Int64("collection-id", collectionID))
			}
		}
		return outcome, nil
	}

	if err := a.db.IncrementAuditRetry(rowID); err != nil {
		return outcome, Error.Wrap(err)
	}
	if err := a.db.TransitionAuditRecord(rowID, metadata.AuditWaitForRetry, 0); err != nil {
		return outcome, Error.Wrap(err)
	}
	outcome.State = metadata.AuditWaitForRetry

	nextRetryCount := retryCount + 1
	a.scheduler.Schedule(time.Now().Add(a.cfg.RetryDelay), func(ctx context.Context) {
		if _, err := a.auditRound(ctx, collectionID, timestamp, rowID, nextRetryCount); err != nil {
			a.log.Error("audit retry round failed", zap.Error(err), zap.Int64("collection-id", collectionID))
		}
	})
	return outcome, nil
}

// AuditOnce runs exactly one consistency-check round with no retry, for
// an explicit anti-entropy-audit-request — spec.md §4.5's carve-out that
// such requests "never retried; always reply synchronously".
func (a *Auditor) AuditOnce(ctx context.Context, collectionID int64, timestamp float64) (_ Outcome, err error) {
	defer mon.Task()(&ctx)(&err)

	rowID, createErr := a.db.CreateAuditRecord(collectionID, timestamp)
	if createErr != nil {
		return Outcome{}, Error.Wrap(createErr)
	}

	outcome := a.broadcastAndAggregate(ctx, collectionID, timestamp)
	if outcome.Success {
		outcome.State = metadata.AuditSuccessful
	} else {
		// Explicit requests are never retried, so anything short of
		// unanimous success is a terminal error, not wait-for-retry.
		outcome.State = metadata.AuditError
	}
	metrics.AuditRounds.WithLabelValues(outcome.State).Inc()
	if err := a.db.TransitionAuditRecord(rowID, outcome.State, nowSeconds()); err != nil {
		return outcome, Error.Wrap(err)
	}
	return outcome, nil
}

func (a *Auditor) broadcastAndAggregate(ctx context.Context, collectionID int64, timestamp float64) Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	byDigest := map[string][]string{}
	var errNodes []string

	for name, digester := range a.nodes {
		reply := digester(reqCtx, collectionID, timestamp)
		if reply.Err != nil {
			errNodes = append(errNodes, name)
			continue
		}
		key := hex.EncodeToString(reply.Digest)
		byDigest[key] = append(byDigest[key], name)
	}

	if len(errNodes) == 0 && len(byDigest) == 1 {
		return Outcome{Success: true}
	}
	if len(byDigest) <= 1 {
		return Outcome{ErrorNodes: errNodes}
	}
	return Outcome{Mismatches: byDigest, ErrorNodes: errNodes}
}

// nowSeconds is the auditor's timestamp source for audit_record
// end_timestamp columns; callers outside tests always pass real wall
// time in.
var nowSeconds = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }
