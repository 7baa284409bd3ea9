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

// Single-process admission control for outbound platform API calls.
// Three FIFO tiers are drained strictly highest first, capped to a
// configured number of executions per one-second window. The window resets
// a full second after the previous reset, not on aligned boundaries, which
// matches the soft best-effort character of the limit: it bounds this
// process only and makes no distributed guarantee.

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Operation is the unit of queued work. It must honor ctx, which carries the
// per-operation timeout; an operation that ignores ctx blocks its tier.
type Operation func(ctx context.Context) (interface{}, error)

// TaskHandle resolves exactly once with the operation's result or error.
// Handles of tasks still queued when the queue stops never resolve; callers
// bound their wait with the ctx passed to Wait.
type TaskHandle struct {
	done   chan struct{}
	result interface{}
	err    error
}

// Wait blocks until the task has executed or ctx expires.
func (h *TaskHandle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *TaskHandle) resolve(result interface{}, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

type queueTask struct {
	op         Operation
	handle     *TaskHandle
	userID     int64
	enqueuedAt clock.Time
	priority   Priority
}

type SystemLoad string

const (
	LoadNormal   SystemLoad = "normal"
	LoadModerate SystemLoad = "moderate"
	LoadHigh     SystemLoad = "high"
	LoadCritical SystemLoad = "critical"
)

// QueueStatus is a point-in-time snapshot of the queue.
type QueueStatus struct {
	HighDepth       int
	MediumDepth     int
	LowDepth        int
	TotalWaiting    int
	ProcessedWindow int
	AvgWaitSeconds  float64
	Load            SystemLoad
}

// PositionNotifier is invoked by the scheduling loop, at most once per
// notify interval per waiting user, with the user's current position and an
// estimated wait in seconds. It runs on the loop goroutine and must return
// quickly; slow work belongs on the queue itself.
type PositionNotifier func(userID int64, position int, etaSeconds float64)

type AdmissionQueueConfig struct {
	// MaxOpsPerSecond caps executions per one-second window. Default 28,
	// conservative with respect to Telegram's 30 messages/second limit.
	MaxOpsPerSecond int

	// TickInterval is the scheduling loop cadence. Default 10ms.
	TickInterval clock.Duration

	// OpTimeout bounds each dequeued operation. Default 30 seconds.
	OpTimeout clock.Duration

	// NotifyInterval is the minimum spacing between position notifications
	// for one user. Default 3 seconds.
	NotifyInterval clock.Duration

	Notifier PositionNotifier
	Logger   logrus.FieldLogger
}

func (c *AdmissionQueueConfig) SetDefaults() {
	setter.SetDefault(&c.MaxOpsPerSecond, 28)
	setter.SetDefault(&c.TickInterval, 10*clock.Millisecond)
	setter.SetDefault(&c.OpTimeout, 30*clock.Second)
	setter.SetDefault(&c.NotifyInterval, 3*clock.Second)
	setter.SetDefault(&c.Logger, logrus.WithField("category", "admission"))
}

var queueEnqueuedMetric = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "predictgate_queue_enqueued_total",
	Help: "Total tasks submitted to the admission queue.",
})
var queueProcessedMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "predictgate_queue_processed_total",
	Help: "Tasks executed by the admission queue.  Label \"tier\" = high|medium|low.",
}, []string{"tier"})
var queueDepthMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "predictgate_queue_depth",
	Help: "Tasks currently waiting across all tiers.",
})
var queueWaitMetric = prometheus.NewSummary(prometheus.SummaryOpts{
	Name: "predictgate_queue_wait_seconds",
	Help: "Time tasks spent queued before execution.",
})

// AdmissionQueue is the priority-ordered rate governor every outbound
// platform call goes through. Construct with NewAdmissionQueue, then Start.
type AdmissionQueue struct {
	conf AdmissionQueueConfig
	log  logrus.FieldLogger

	mu      sync.Mutex
	tiers   [3][]*queueTask
	running bool

	// Rolling one-second admission window.
	windowStart     clock.Time
	windowProcessed int

	// Metrics, reset on each periodic report.
	totalEnqueued    int64
	processedPerTier [3]int64
	maxDepth         int
	totalWait        clock.Duration
	totalExecuted    int64

	lastNotified map[int64]clock.Time
	lastReport   clock.Time

	wg   syncutil.WaitGroup
	done chan struct{}
}

var _ prometheus.Collector = &AdmissionQueue{}

func NewAdmissionQueue(conf AdmissionQueueConfig) *AdmissionQueue {
	conf.SetDefaults()

	return &AdmissionQueue{
		conf:         conf,
		log:          conf.Logger,
		lastNotified: make(map[int64]clock.Time),
	}
}

// Start spawns the scheduling loop. Calling Start on a running queue is an
// error.
func (q *AdmissionQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return fmt.Errorf("admission queue already started")
	}
	q.running = true
	q.done = make(chan struct{})
	q.windowStart = clock.Now()
	q.windowProcessed = 0
	q.lastReport = clock.Now()

	q.wg.Until(func(done chan struct{}) bool {
		select {
		case <-done:
			return false
		case <-q.done:
			return false
		case <-clock.After(q.conf.TickInterval):
			q.tick()
			return true
		}
	})

	q.log.Infof("admission queue started (max %d ops/s)", q.conf.MaxOpsPerSecond)
	return nil
}

// Stop signals the loop and waits for it to exit. Tasks still queued are
// abandoned; their handles never resolve. Acceptable because Stop only runs
// when the process is going away.
func (q *AdmissionQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.done)
	abandoned := len(q.tiers[0]) + len(q.tiers[1]) + len(q.tiers[2])
	q.mu.Unlock()

	q.wg.Stop()
	if abandoned > 0 {
		q.log.Warnf("admission queue stopped with %d tasks abandoned", abandoned)
	} else {
		q.log.Info("admission queue stopped")
	}
}

// Submit appends a task to the tier matching priority and returns its
// handle. The operation never runs synchronously inside Submit. Pass userID
// 0 for work not attributable to a user.
func (q *AdmissionQueue) Submit(priority Priority, op Operation, userID int64) *TaskHandle {
	task := &queueTask{
		op:         op,
		handle:     &TaskHandle{done: make(chan struct{})},
		userID:     userID,
		enqueuedAt: clock.Now(),
		priority:   priority,
	}

	q.mu.Lock()
	q.tiers[priority] = append(q.tiers[priority], task)
	q.totalEnqueued++
	if depth := q.depthLocked(); depth > q.maxDepth {
		q.maxDepth = depth
	}
	q.mu.Unlock()

	queueEnqueuedMetric.Add(1)
	return task.handle
}

// PositionOf returns the 1-based position of the user's first queued task in
// priority-then-FIFO order, or 0 if the user has no queued task (including
// one currently executing).
func (q *AdmissionQueue) PositionOf(userID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	position := 0
	for tier := PriorityHigh; tier <= PriorityLow; tier++ {
		for _, task := range q.tiers[tier] {
			position++
			if task.userID == userID {
				return position
			}
		}
	}
	return 0
}

// Status reports queue depths, window usage and a coarse load level.
func (q *AdmissionQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{
		HighDepth:       len(q.tiers[PriorityHigh]),
		MediumDepth:     len(q.tiers[PriorityMedium]),
		LowDepth:        len(q.tiers[PriorityLow]),
		ProcessedWindow: q.windowProcessed,
	}
	status.TotalWaiting = status.HighDepth + status.MediumDepth + status.LowDepth
	if q.totalExecuted > 0 {
		status.AvgWaitSeconds = q.totalWait.Seconds() / float64(q.totalExecuted)
	}
	status.Load = loadFor(status.TotalWaiting)
	return status
}

func loadFor(depth int) SystemLoad {
	switch {
	case depth == 0:
		return LoadNormal
	case depth < 50:
		return LoadModerate
	case depth < 100:
		return LoadHigh
	default:
		return LoadCritical
	}
}

// tick runs once per TickInterval on the loop goroutine.
func (q *AdmissionQueue) tick() {
	q.mu.Lock()

	now := clock.Now()
	// The window counter resets a full second after the last reset.
	if now.Sub(q.windowStart) >= clock.Second {
		q.windowProcessed = 0
		q.windowStart = now
	}

	var task *queueTask
	if q.windowProcessed < q.conf.MaxOpsPerSecond {
		for tier := PriorityHigh; tier <= PriorityLow; tier++ {
			if len(q.tiers[tier]) > 0 {
				task = q.tiers[tier][0]
				q.tiers[tier] = q.tiers[tier][1:]
				break
			}
		}
	}
	if task != nil {
		q.windowProcessed++
	}
	q.mu.Unlock()

	if task != nil {
		q.execute(task)
	}

	q.notifyWaiting()
	q.maybeReport()
}

func (q *AdmissionQueue) execute(task *queueTask) {
	wait := clock.Now().Sub(task.enqueuedAt)
	queueWaitMetric.Observe(wait.Seconds())
	queueDepthMetric.Set(float64(q.depth()))

	ctx, cancel := context.WithTimeout(context.Background(), q.conf.OpTimeout)
	defer cancel()

	result, err := q.runOp(ctx, task.op)
	if err != nil {
		q.log.WithError(err).Debugf("task failed in %s tier", task.priority)
	}
	task.handle.resolve(result, err)

	q.mu.Lock()
	q.processedPerTier[task.priority]++
	q.totalWait += wait
	q.totalExecuted++
	delete(q.lastNotified, task.userID)
	q.mu.Unlock()

	queueProcessedMetric.WithLabelValues(task.priority.String()).Add(1)
}

// runOp shields the scheduling loop from panicking operations; a panic is
// delivered to the submitter like any other failure.
func (q *AdmissionQueue) runOp(ctx context.Context, op Operation) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()
	return op(ctx)
}

func (q *AdmissionQueue) notifyWaiting() {
	if q.conf.Notifier == nil {
		return
	}

	now := clock.Now()
	type pending struct {
		userID   int64
		position int
	}
	var due []pending

	q.mu.Lock()
	seen := make(map[int64]struct{})
	position := 0
	avg := 0.2 // seconds per op when no samples yet
	if q.totalExecuted > 0 {
		avg = q.totalWait.Seconds() / float64(q.totalExecuted)
	}
	for tier := PriorityHigh; tier <= PriorityLow; tier++ {
		for _, task := range q.tiers[tier] {
			position++
			if task.userID == 0 {
				continue
			}
			if _, ok := seen[task.userID]; ok {
				continue
			}
			seen[task.userID] = struct{}{}
			if last, ok := q.lastNotified[task.userID]; ok && now.Sub(last) < q.conf.NotifyInterval {
				continue
			}
			q.lastNotified[task.userID] = now
			due = append(due, pending{userID: task.userID, position: position})
		}
	}
	q.mu.Unlock()

	for _, p := range due {
		q.conf.Notifier(p.userID, p.position, float64(p.position)*avg)
	}
}

// maybeReport logs queue metrics once a minute and resets the counters so
// each log line covers one reporting window.
func (q *AdmissionQueue) maybeReport() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := clock.Now()
	if now.Sub(q.lastReport) < clock.Minute {
		return
	}
	q.lastReport = now

	var avgWait float64
	if q.totalExecuted > 0 {
		avgWait = q.totalWait.Seconds() / float64(q.totalExecuted)
	}
	q.log.WithFields(logrus.Fields{
		"enqueued":  q.totalEnqueued,
		"high":      q.processedPerTier[PriorityHigh],
		"medium":    q.processedPerTier[PriorityMedium],
		"low":       q.processedPerTier[PriorityLow],
		"max_depth": q.maxDepth,
		"avg_wait":  avgWait,
	}).Info("admission queue metrics")

	q.totalEnqueued = 0
	q.processedPerTier = [3]int64{}
	q.maxDepth = q.depthLocked()
	q.totalWait = 0
	q.totalExecuted = 0
}

func (q *AdmissionQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *AdmissionQueue) depthLocked() int {
	return len(q.tiers[PriorityHigh]) + len(q.tiers[PriorityMedium]) + len(q.tiers[PriorityLow])
}

// Describe fetches prometheus metrics to be registered
func (q *AdmissionQueue) Describe(ch chan<- *prometheus.Desc) {
	queueEnqueuedMetric.Describe(ch)
	queueProcessedMetric.Describe(ch)
	queueDepthMetric.Describe(ch)
	queueWaitMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the queue
func (q *AdmissionQueue) Collect(ch chan<- prometheus.Metric) {
	queueDepthMetric.Set(float64(q.depth()))
	queueEnqueuedMetric.Collect(ch)
	queueProcessedMetric.Collect(ch)
	queueDepthMetric.Collect(ch)
	queueWaitMetric.Collect(ch)
}
