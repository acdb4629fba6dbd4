// Copyright 2025 Arbor Works
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
)

// ErrStreamStale is returned by Follow when a stream that has not ended
// produces no new events for longer than the configured threshold.
var ErrStreamStale = stderrors.New("stream stale: no events before threshold")

// SnapshotSource serves stream snapshots. The in-process Broker satisfies
// it directly; remote consumers satisfy it over the daemon's HTTP API.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, nodeID int64, attempt int, lastEventSequence int64, limit int) (*Snapshot, error)
}

// FollowerConfig tunes the polling consumer.
type FollowerConfig struct {
	// PollInterval is the cadence between successful snapshot polls.
	PollInterval time.Duration

	// BaseBackoff and MaxBackoff bound the exponential backoff applied
	// after failed polls.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// StaleAfter classifies a silent, unended stream as stale. Zero
	// disables the check.
	StaleAfter time.Duration

	// BatchLimit caps events per snapshot; zero means no limit.
	BatchLimit int
}

// DefaultFollowerConfig returns the follower defaults.
func DefaultFollowerConfig() FollowerConfig {
	return FollowerConfig{
		PollInterval: 500 * time.Millisecond,
		BaseBackoff:  time.Second,
		MaxBackoff:   30 * time.Second,
		StaleAfter:   5 * time.Minute,
		BatchLimit:   200,
	}
}

// Follower is a reconnecting stream consumer. It polls snapshots, delivers
// events exactly once in sequence order, and survives source failures with
// capped exponential backoff. Duplicate deliveries after a reconnect are
// dropped by sequence number.
type Follower struct {
	source SnapshotSource
	cfg    FollowerConfig
	logger *slog.Logger
}

// NewFollower creates a follower over a snapshot source.
func NewFollower(source SnapshotSource, cfg FollowerConfig, logger *slog.Logger) *Follower {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultFollowerConfig().PollInterval
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultFollowerConfig().BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = DefaultFollowerConfig().MaxBackoff
	}
	return &Follower{
		source: source,
		cfg:    cfg,
		logger: log.WithComponent(logger, "follower"),
	}
}

// Follow consumes a (node, attempt) stream from fromSequence until it ends,
// invoking handle for each new event. It returns the final snapshot once
// the stream ends, ErrStreamStale if the stream goes silent past the
// threshold, or the handler's error.
func (f *Follower) Follow(ctx context.Context, nodeID int64, attempt int, fromSequence int64, handle func(*store.StreamEvent) error) (*Snapshot, error) {
	last := fromSequence
	failures := 0
	lastProgress := time.Now()

	for {
		snap, err := f.source.GetSnapshot(ctx, nodeID, attempt, last, f.cfg.BatchLimit)
		if err != nil {
			failures++
			delay := f.backoff(failures)
			f.logger.Warn("snapshot poll failed, backing off",
				log.NodeIDKey, nodeID,
				"failures", failures,
				"delay_ms", delay.Milliseconds(),
				log.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		failures = 0

		for _, event := range snap.Events {
			// A reconnect can replay the tail; sequences never move
			// backwards within an attempt.
			if event.Sequence <= last {
				continue
			}
			if err := handle(event); err != nil {
				return nil, err
			}
			last = event.Sequence
			lastProgress = time.Now()
		}

		if snap.Ended && last >= snap.LatestSequence {
			return snap, nil
		}
		if f.cfg.StaleAfter > 0 && time.Since(lastProgress) > f.cfg.StaleAfter {
			return snap, ErrStreamStale
		}

		select {
		case <-time.After(f.cfg.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// backoff computes the delay after the nth consecutive failure with capped
// exponential growth and up to 20% jitter.
func (f *Follower) backoff(failures int) time.Duration {
	delay := float64(f.cfg.BaseBackoff) * math.Pow(2.0, float64(failures-1))
	if delay > float64(f.cfg.MaxBackoff) {
		delay = float64(f.cfg.MaxBackoff)
	}
	jitter := rand.Float64() * delay * 0.2
	return time.Duration(delay + jitter)
}
