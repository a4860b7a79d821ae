// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eventbus is the per-run SSE fan-out layer: a bounded queue per
// subscriber, non-blocking publish with backpressure accounting, periodic
// keep-alives, and a hash chain over published events for integrity
// verification by downstream consumers.
package eventbus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of event kinds a run may emit. Any other string
// is rejected by Publish.
type Kind string

const (
	KindIterSelected  Kind = "iter_selected"
	KindIterGenStart  Kind = "iter_gen_start"
	KindIterGenDone   Kind = "iter_gen_done"
	KindIterScoreStart Kind = "iter_score_start"
	KindIterScoreDone Kind = "iter_score_done"
	KindIterSaved     Kind = "iter_saved"
	KindIterError     Kind = "iter_error"
	KindJudge         Kind = "judge"
	KindDone          Kind = "done"
	KindError         Kind = "error"
	KindKeepAlive     Kind = "keep_alive"
)

var validKinds = map[Kind]bool{
	KindIterSelected: true, KindIterGenStart: true, KindIterGenDone: true,
	KindIterScoreStart: true, KindIterScoreDone: true, KindIterSaved: true,
	KindIterError: true, KindJudge: true, KindDone: true, KindError: true,
	KindKeepAlive: true,
}

// ErrUnknownKind is returned by Publish for a Kind outside the closed set.
type ErrUnknownKind struct{ Kind Kind }

func (e ErrUnknownKind) Error() string { return fmt.Sprintf("eventbus: unknown event kind %q", e.Kind) }

// Event is one published message, chained to the previous event in its run
// by Hash/PrevHash the way sseWriter chains StreamEvents.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt int64           `json:"created_at"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Dropped   int64           `json:"dropped,omitempty"`
}

func computeHash(e Event) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%s", e.RunID, e.Seq, e.Kind, e.PrevHash, string(e.Data))))
	return hex.EncodeToString(h[:])
}

// Config tunes queueing, keep-alive cadence, and post-completion replay
// availability.
type Config struct {
	QueueSize          int
	KeepAliveInterval  time.Duration
	ReplayGrace        time.Duration
}

type subscriber struct {
	ch      chan Event
	dropped int64
}

// runTopic is the fan-out state for a single run.
type runTopic struct {
	mu          sync.Mutex
	runID       string
	seq         int64
	prevHash    string
	subs        map[int64]*subscriber
	nextSubID   int64
	history     []Event
	done        bool
	doneAt      time.Time
	keepAliveStop chan struct{}
}

// Bus is the per-run SSE fan-out manager. One Bus instance serves every run
// in the engine process.
type Bus struct {
	cfg    Config
	mu     sync.Mutex
	topics map[string]*runTopic
}

// New builds a Bus. Zero-value Config fields fall back to spec.md §6
// defaults (queue 256, keep-alive 15s, replay grace 60s).
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 15 * time.Second
	}
	if cfg.ReplayGrace <= 0 {
		cfg.ReplayGrace = 60 * time.Second
	}
	return &Bus{cfg: cfg, topics: map[string]*runTopic{}}
}

func (b *Bus) topicFor(runID string) *runTopic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &runTopic{runID: runID, subs: map[int64]*subscriber{}, keepAliveStop: make(chan struct{})}
		b.topics[runID] = t
		go b.runKeepAlive(t)
	}
	return t
}

func (b *Bus) runKeepAlive(t *runTopic) {
	ticker := time.NewTicker(b.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.keepAliveStop:
			return
		case <-ticker.C:
			_ = b.Publish(t.runID, KindKeepAlive, nil)
		}
	}
}

// Publish appends an event to runID's chain and delivers it to every
// current subscriber without blocking. A subscriber whose queue is full loses
// its oldest pending event to make room for this one, and its per-subscriber
// drop counter is incremented; the counter is attached to the next event
// that subscriber receives, then reset.
func (b *Bus) Publish(runID string, kind Kind, payload interface{}) error {
	if !validKinds[kind] {
		return ErrUnknownKind{Kind: kind}
	}

	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("eventbus: marshal payload: %w", err)
		}
		data = encoded
	}

	t := b.topicFor(runID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev := Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Seq:       t.seq,
		Kind:      kind,
		Data:      data,
		CreatedAt: time.Now().UnixMilli(),
		PrevHash:  t.prevHash,
	}
	ev.Hash = computeHash(ev)
	t.prevHash = ev.Hash
	t.history = append(t.history, ev)

	for _, sub := range t.subs {
		deliverEvictingOldest(sub, ev)
	}

	if kind == KindDone || kind == KindError {
		t.done = true
		t.doneAt = time.Now()
		go b.expireAfterGrace(runID, b.cfg.ReplayGrace)
	}
	return nil
}

// deliverEvictingOldest enqueues ev on sub's channel, evicting the oldest
// pending event first if the channel is full. A slow subscriber loses its
// oldest backlog rather than the event currently being published. The
// accumulated drop count is attached to the event that actually gets
// through, then reset.
func deliverEvictingOldest(sub *subscriber, ev Event) {
	dropped := sub.dropped

	send := func() bool {
		delivered := ev
		if dropped > 0 {
			delivered.Dropped = dropped
		}
		select {
		case sub.ch <- delivered:
			return true
		default:
			return false
		}
	}

	if send() {
		sub.dropped = 0
		return
	}

	select {
	case <-sub.ch:
		dropped++
	default:
	}

	if send() {
		sub.dropped = 0
		return
	}
	sub.dropped = dropped
}

func (b *Bus) expireAfterGrace(runID string, grace time.Duration) {
	time.Sleep(grace)
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok || !t.done {
		return
	}
	if time.Since(t.doneAt) < grace {
		return
	}
	close(t.keepAliveStop)
	delete(b.topics, runID)
}

// Subscription is a live handle to a run's event stream.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close detaches the subscription from its run's fan-out.
func (s *Subscription) Close() { s.cancel() }

// Subscribe attaches a new subscriber to runID, replaying everything
// published so far (bounded by the queue size) before live events resume.
// The subscription is automatically closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, runID string) *Subscription {
	t := b.topicFor(runID)
	t.mu.Lock()

	sub := &subscriber{ch: make(chan Event, b.cfg.QueueSize)}
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = sub

	for _, ev := range t.history {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		cancel()
	}()

	return &Subscription{Events: sub.ch, cancel: cancel}
}

// Shutdown stops every run's keep-alive loop. Intended for process exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for runID, t := range b.topics {
		close(t.keepAliveStop)
		delete(b.topics, runID)
	}
}
