/*
Copyright 2024-2025 Alve Capital

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package predictgate

import (
	"context"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/sirupsen/logrus"
)

type BatchWriterConfig struct {
	// FlushSize triggers a flush when this many records are pending.
	// Default 50.
	FlushSize int

	// FlushInterval triggers a flush this long after the previous one,
	// whichever of the two thresholds is hit first. Default 5 seconds.
	FlushInterval clock.Duration

	// FlushTimeout bounds the store call for one flush. Default 10 seconds.
	FlushTimeout clock.Duration

	Store  Store
	Logger logrus.FieldLogger
}

func (c *BatchWriterConfig) SetDefaults() {
	setter.SetDefault(&c.FlushSize, 50)
	setter.SetDefault(&c.FlushInterval, 5*clock.Second)
	setter.SetDefault(&c.FlushTimeout, 10*clock.Second)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "batch"))
}

// BatchWriter accumulates user upserts and flushes them in bulk, either
// when FlushSize records are pending or when FlushInterval has elapsed,
// whichever comes first. A record added here may not be visible to reads
// for up to the batching window; callers needing immediate visibility must
// write through the Store directly.
type BatchWriter struct {
	conf BatchWriterConfig
	log  logrus.FieldLogger

	mu      sync.Mutex
	pending []UserRecord
	running bool

	wg   syncutil.WaitGroup
	done chan struct{}
}

func NewBatchWriter(conf BatchWriterConfig) *BatchWriter {
	conf.SetDefaults()
	return &BatchWriter{conf: conf, log: conf.Logger}
}

// Start spawns the interval flush loop.
func (w *BatchWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.done = make(chan struct{})

	w.wg.Until(func(done chan struct{}) bool {
		select {
		case <-done:
			return false
		case <-w.done:
			return false
		case <-clock.After(w.conf.FlushInterval):
			w.Flush()
			return true
		}
	})
}

// Stop halts the loop and flushes whatever is still pending.
func (w *BatchWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	w.mu.Unlock()

	w.wg.Stop()
	w.Flush()
}

// Add queues a user record. When the pending batch reaches FlushSize the
// flush runs on the caller's goroutine, amortizing the write cost across
// registrations.
func (w *BatchWriter) Add(u UserRecord) {
	w.mu.Lock()
	w.pending = append(w.pending, u)
	full := len(w.pending) >= w.conf.FlushSize
	w.mu.Unlock()

	if full {
		w.Flush()
	}
}

// Flush writes every pending record through BulkUpsertUsers. On failure the
// batch is logged and dropped; user registration is best effort by design
// and will be retried on the user's next interaction.
func (w *BatchWriter) Flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.conf.FlushTimeout)
	defer cancel()

	if err := w.conf.Store.BulkUpsertUsers(ctx, batch); err != nil {
		w.log.WithError(err).Errorf("while flushing %d user records", len(batch))
		return
	}
	w.log.Debugf("flushed %d user records", len(batch))
}

// Pending returns the number of records waiting to be flushed.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
