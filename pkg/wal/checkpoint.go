// ABOUTME: Periodic journal maintenance: flush the environment durably, then drop the committed tail
// ABOUTME: Runs on one background goroutine, stopped synchronously via channel handshake

package wal

import (
	"fmt"
	"time"
)

// DefaultCheckpointInterval is how often the committed journal tail is
// flushed and truncated when the owner doesn't configure an interval.
const DefaultCheckpointInterval = 10 * time.Minute

// Checkpointer periodically makes the environment durable and clears
// the journal so reopening has nothing to replay. flushFn must leave
// the journal's durability watermark at the current LSN on success.
type Checkpointer struct {
	journal  *Journal
	interval time.Duration
	flushFn  func() error
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer wires a checkpointer to a journal and a flush callback.
func NewCheckpointer(journal *Journal, flushFn func() error) *Checkpointer {
	return &Checkpointer{
		journal:  journal,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background loop.
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop halts the loop and waits for it to exit.
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Errors surface on the next foreground commit; the loop
			// keeps running so a transient failure isn't fatal.
			_ = c.Checkpoint()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes the environment durably, then truncates the
// journal files. A no-op truncation (open transactions) is not an error.
func (c *Checkpointer) Checkpoint() error {
	if err := c.flushFn(); err != nil {
		return fmt.Errorf("checkpoint flush: %w", err)
	}
	if c.journal.DurableLSN() < c.journal.CurrentLSN() {
		// Entries were appended between the flush and here; skip the
		// truncation rather than lose them.
		return nil
	}
	if err := c.journal.Clear(); err != nil {
		return fmt.Errorf("checkpoint truncate: %w", err)
	}
	return nil
}

// SetInterval changes the checkpoint cadence. Call before Start.
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}
