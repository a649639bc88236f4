// Copyright (C) 2026 Clusterstore authors.
// See LICENSE for copying information.

package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"clusterstore.io/core/pkg/catalog"
)

func TestClusterMembersOrderedBySegmentNum(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := catalog.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.AddClusterMember("node-c", 3))
	require.NoError(t, db.AddClusterMember("node-a", 1))
	require.NoError(t, db.AddClusterMember("node-b", 2))

	members, err := db.ClusterMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, "node-a", members[0].NodeName)
	require.Equal(t, "node-b", members[1].NodeName)
	require.Equal(t, "node-c", members[2].NodeName)
}

func TestAddCollectionIsIdempotent(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := catalog.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	id1, err := db.AddCollection("bucket-1")
	require.NoError(t, err)
	id2, err := db.AddCollection("bucket-1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	ids, err := db.CollectionIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{id1}, ids)
}

func TestRecordAuditResult(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := catalog.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	id, err := db.AddCollection("bucket-1")
	require.NoError(t, err)
	require.NoError(t, db.RecordAuditResult(context.Background(), catalog.AuditResultRow{
		CollectionID: id, State: "successful", Timestamp: 100,
	}))
}

func TestRefresherCachesCollectionIDs(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := catalog.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	id, err := db.AddCollection("bucket-1")
	require.NoError(t, err)

	r := catalog.NewRefresher(log, db)
	require.Empty(t, r.CollectionIDs())
	require.NoError(t, r.Refresh(context.Background()))
	require.Equal(t, []int64{id}, r.CollectionIDs())
}
