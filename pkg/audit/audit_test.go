// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"clusterstore.io/core/pkg/audit"
	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/scheduler"
)

func seedSegment(t *testing.T, db *metadata.DB, collectionID int64, key, unifiedID string, timestamp float64, fileHash []byte) {
	t.Helper()
	id, err := db.CreateSegment(metadata.Segment{
		CollectionID: collectionID, Key: key, UnifiedID: unifiedID,
		Timestamp: timestamp, SegmentNum: 1, SourceNodeID: "node-a",
	})
	require.NoError(t, err)
	require.NoError(t, db.FinalizeSegment(id, 10, 123, fileHash))
}

func TestDigestMatchesAcrossIdenticalIndexes(t *testing.T) {
	log := zaptest.NewLogger(t)

	dbA, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbA.Close()) })
	dbB, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbB.Close()) })

	hash := []byte("0123456789abcdef")
	seedSegment(t, dbA, 1, "k", "u1", 100, hash)
	seedSegment(t, dbB, 1, "k", "u1", 100, hash)

	_, digestA, err := audit.LocalDigest(dbA, 1)
	require.NoError(t, err)
	_, digestB, err := audit.LocalDigest(dbB, 1)
	require.NoError(t, err)
	require.Equal(t, digestA, digestB)
}

func TestDigestDivergesOnMismatchedContent(t *testing.T) {
	log := zaptest.NewLogger(t)

	dbA, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbA.Close()) })
	dbB, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dbB.Close()) })

	seedSegment(t, dbA, 1, "k", "u1", 100, []byte("0123456789abcdef"))
	seedSegment(t, dbB, 1, "k", "u1", 100, []byte("fedcba9876543210"))

	_, digestA, err := audit.LocalDigest(dbA, 1)
	require.NoError(t, err)
	_, digestB, err := audit.LocalDigest(dbB, 1)
	require.NoError(t, err)
	require.NotEqual(t, digestA, digestB)
}

func TestAuditorSuccessOnUnanimousDigest(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	same := audit.NodeDigest{Count: 1, Digest: []byte("digest")}
	nodes := map[string]audit.NodeDigester{
		"node-a": func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest { return same },
		"node-b": func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest { return same },
	}

	a := audit.NewAuditor(log, db, eventlog.Noop{}, audit.DefaultConfig(), nodes, scheduler.New())
	outcome, err := a.Audit(context.Background(), 1, 1000)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, metadata.AuditSuccessful, outcome.State)
}

func TestAuditorEscalatesAfterExhaustingRetries(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	nodes := map[string]audit.NodeDigester{
		"node-a": func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest {
			return audit.NodeDigest{Digest: []byte("digest-a")}
		},
		"node-b": func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest {
			return audit.NodeDigest{Digest: []byte("digest-b")}
		},
	}

	cfg := audit.DefaultConfig()
	cfg.MaxRetryCount = 1
	cfg.RetryDelay = time.Minute
	sched := scheduler.New()
	a := audit.NewAuditor(log, db, eventlog.Noop{}, cfg, nodes, sched)

	escalated := false
	a.SetEscalationHook(func(ctx context.Context, collectionID int64) error {
		escalated = true
		require.Equal(t, int64(1), collectionID)
		return nil
	})

	// The first round is a mismatch with retries remaining: it is
	// appended to the retry-list (the scheduler) and returns
	// immediately rather than blocking for RetryDelay.
	outcome, err := a.Audit(context.Background(), 1, 1000)
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, metadata.AuditWaitForRetry, outcome.State)
	require.False(t, escalated)
	require.Equal(t, 1, sched.Len())

	// Driving the scheduler past RetryDelay runs the retry round, which
	// exhausts MaxRetryCount and escalates to item-level repair.
	sched.RunDue(context.Background(), time.Now().Add(2*time.Minute))
	require.True(t, escalated)
}

func TestAuditOnceNeverRetries(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := metadata.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	calls := 0
	nodes := map[string]audit.NodeDigester{
		"node-a": func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest {
			calls++
			return audit.NodeDigest{Digest: []byte("digest-a")}
		},
		"node-b": func(ctx context.Context, collectionID int64, timestamp float64) audit.NodeDigest {
			calls++
			return audit.NodeDigest{Digest: []byte("digest-b")}
		},
	}

	a := audit.NewAuditor(log, db, eventlog.Noop{}, audit.DefaultConfig(), nodes, scheduler.New())
	outcome, err := a.AuditOnce(context.Background(), 1, 1000)
	require.NoError(t, err)
	require.Equal(t, metadata.AuditError, outcome.State)
	require.Equal(t, 2, calls) // exactly one round, one call per node
}
