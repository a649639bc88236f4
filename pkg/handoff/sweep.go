package handoff

import (
	"context"

	"go.uber.org/zap"

	"clusterstore.io/core/pkg/eventlog"
	"clusterstore.io/core/pkg/metadata"
	"clusterstore.io/core/pkg/metrics"
)

// PurgeClient issues purge-handoff to the node currently holding a
// segment (B), once it has been re-archived locally.
type PurgeClient interface {
	PurgeHandoff(ctx context.Context, segmentID int64) error
}

// SweepSource resolves segments some peer claims it is holding for this
// node. Each entry names the peer (holderName) the segment was found on.
type SweepSource interface {
	WhatHaveYouStoredForMe(ctx context.Context, holderName, nodeName string) ([]metadata.Segment, error)
}

// ForwarderFactory builds the retrieve/archive client pair for one
// sweep pass against a specific holder node. Production wiring dials
// pkg/transport to holderName; tests supply in-process fakes.
type ForwarderFactory func(holderName string) (RetrieveClient, ArchiveClient, PurgeClient)

// Sweep drives one round of spec.md §4.4's handoff pull: ask every
// known holder what it has stored for nodeName, then run the forwarder
// FSM for each segment found, purging from the holder on success.
type Sweep struct {
	log     *zap.Logger
	events  eventlog.Sink
	source  SweepSource
	factory ForwarderFactory
}

// NewSweep returns a Sweep asking source about nodeName's segments and
// building per-holder clients via factory.
func NewSweep(log *zap.Logger, events eventlog.Sink, source SweepSource, factory ForwarderFactory) *Sweep {
	if events == nil {
		events = eventlog.Noop{}
	}
	return &Sweep{log: log, events: events, source: source, factory: factory}
}

// Run queries every holder in holderNames for segments held on behalf
// of nodeName and forwards each one home. It returns the count of
// segments successfully re-archived and purged.
func (s *Sweep) Run(ctx context.Context, nodeName string, holderNames []string) (purged int, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, holder := range holderNames {
		segs, err := s.source.WhatHaveYouStoredForMe(ctx, holder, nodeName)
		if err != nil {
			s.log.Error("handoff sweep query failed", zap.String("holder", holder), zap.Error(err))
			continue
		}
		if len(segs) == 0 {
			continue
		}

		retrieve, archive, purge := s.factory(holder)
		fwd := NewForwarder(s.log, retrieve, archive)

		for _, seg := range segs {
			ready, err := fwd.Run(ctx, seg)
			if err != nil {
				s.log.Warn("handoff forward failed", zap.String("holder", holder), zap.String("unified-id", seg.UnifiedID), zap.Error(err))
				continue
			}
			if !ready {
				continue
			}
			if err := purge.PurgeHandoff(ctx, seg.ID); err != nil {
				s.log.Error("purge-handoff failed", zap.String("holder", holder), zap.Int64("segment-id", seg.ID), zap.Error(err))
				continue
			}
			purged++
			metrics.HandoffSegmentsPurged.Inc()
			s.events.Info("handoff-purged", "segment re-archived and purged from holder", zap.String("holder", holder), zap.String("unified-id", seg.UnifiedID))
		}
	}
	return purged, nil
}
