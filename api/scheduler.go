/*
scheduler.go - Background finalization scheduler

PURPOSE:
  Periodically finalizes all days strictly before today, so the dashboard
  shows an up-to-date streak even when nobody has interacted since midnight.
  This is a convenience on top of lazy finalization, not a requirement: every
  engine entry point already advances the streak on its own, so a missed tick
  costs nothing.

CONFIGURATION:
  - CheckInterval: how often to run (default: 1 hour)
  - Enabled: whether the scheduler is active (default: true)

USAGE:
  scheduler := NewFinalizeScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/discipline-engine/discipline"
)

// FinalizeScheduler periodically runs the until-yesterday finalization.
type FinalizeScheduler struct {
	Engine        *discipline.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewFinalizeScheduler creates a scheduler with default settings.
func NewFinalizeScheduler(engine *discipline.Engine) *FinalizeScheduler {
	return &FinalizeScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (fs *FinalizeScheduler) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	fs.ticker = time.NewTicker(fs.CheckInterval)
	fs.wg.Add(1)
	go fs.run()

	log.Printf("[Scheduler] Started with check interval: %v", fs.CheckInterval)
}

// Stop stops the scheduler.
func (fs *FinalizeScheduler) Stop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ticker != nil {
		fs.ticker.Stop()
		close(fs.stop)
		fs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (fs *FinalizeScheduler) run() {
	defer fs.wg.Done()

	// Run immediately on start
	fs.finalize()

	for {
		select {
		case <-fs.ticker.C:
			fs.finalize()
		case <-fs.stop:
			return
		}
	}
}

func (fs *FinalizeScheduler) finalize() {
	ctx := context.Background()

	res, err := fs.Engine.ProcessUntilYesterday(ctx)
	if err != nil {
		// Losing a race to an interactive caller is fine; the work is done.
		if discipline.IsConcurrency(err) {
			log.Println("[Scheduler] Lost race to another writer, skipping")
			return
		}
		log.Printf("[Scheduler] Finalization failed: %v", err)
		return
	}

	for _, ev := range res.Events {
		log.Printf("[Scheduler] %s: rule %s on %s (%d/%d misses)",
			ev.Type, ev.Reason.RuleKey, ev.Reason.Date,
			ev.Reason.MissesInWindow, ev.Reason.BufferMisses)
	}
	log.Printf("[Scheduler] Finalized through %s", res.OpenStreak.ProcessedThrough)
}
