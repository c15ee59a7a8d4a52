// Package ingest feeds chat history and live messages to the indexer and keeps the
// per-channel backfill cursors.
package ingest

import (
	"sync/atomic"

	"chatsearch/internal/metrics"
)

type Phase int32

const (
	// Backfilling: the crawler is replaying history; live events are indexed but must
	// not move cursors.
	Backfilling Phase = iota
	// Live: history is caught up; live events also advance cursors.
	Live
)

func (p Phase) String() string {
	if p == Live {
		return "live"
	}
	return "backfilling"
}

// Lifecycle is the ingestion state machine. It starts in Backfilling.
type Lifecycle struct {
	phase atomic.Int32
}

func NewLifecycle() *Lifecycle {
	l := &Lifecycle{}
	metrics.IngestPhase.Set(float64(Backfilling))
	return l
}

func (l *Lifecycle) Phase() Phase {
	return Phase(l.phase.Load())
}

func (l *Lifecycle) IsLive() bool {
	return l.Phase() == Live
}

// MarkLive is called when the crawler has finished every channel.
func (l *Lifecycle) MarkLive() {
	l.set(Live)
}

// Rewind returns to Backfilling for a catch-up crawl after a reconnect.
func (l *Lifecycle) Rewind() {
	l.set(Backfilling)
}

func (l *Lifecycle) set(p Phase) {
	l.phase.Store(int32(p))
	metrics.IngestPhase.Set(float64(p))
}
