package ingest

import (
	"context"
	"sync"

	"chatsearch/internal/chat"
)

// CursorLedger is the cursor half of the ledger.
type CursorLedger interface {
	Cursor(ctx context.Context, channelID chat.ID) (chat.ID, bool, error)
	AdvanceCursor(ctx context.Context, channelID, messageID chat.ID) error
}

// Cursors serializes cursor commits per channel and refuses to move a cursor
// backwards. The crawler and the live handler both commit through it.
type Cursors struct {
	ledger CursorLedger
	locks  sync.Map // chat.ID -> *sync.Mutex
}

func NewCursors(ledger CursorLedger) *Cursors {
	return &Cursors{ledger: ledger}
}

func (c *Cursors) lock(channelID chat.ID) func() {
	v, _ := c.locks.LoadOrStore(channelID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Load returns the channel's cursor, or 0 when it was never backfilled.
func (c *Cursors) Load(ctx context.Context, channelID chat.ID) (chat.ID, error) {
	cursor, _, err := c.ledger.Cursor(ctx, channelID)
	return cursor, err
}

// Advance commits messageID as the channel's cursor if it is ahead of the stored one.
// It reports whether the cursor moved.
func (c *Cursors) Advance(ctx context.Context, channelID, messageID chat.ID) (bool, error) {
	unlock := c.lock(channelID)
	defer unlock()

	current, ok, err := c.ledger.Cursor(ctx, channelID)
	if err != nil {
		return false, err
	}
	if ok && messageID <= current {
		return false, nil
	}
	if err := c.ledger.AdvanceCursor(ctx, channelID, messageID); err != nil {
		return false, err
	}
	return true, nil
}
