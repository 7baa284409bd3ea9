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
	"fmt"
	"strconv"
	"sync"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type GateConfig struct {
	// Channel is the channel users must be subscribed to, in the
	// '@channelname' form the platform expects.
	Channel string

	// RequiredReferrals is how many verified referrals unlock access.
	// Default 3.
	RequiredReferrals int

	// ReferralVerifyDelay is how long after registration a referral's
	// subscription is verified. The delay gives the referred user time to
	// actually join the channel. Default 30 seconds.
	ReferralVerifyDelay clock.Duration

	// VerifyTimeout bounds one background verification pass. Default 30
	// seconds.
	VerifyTimeout clock.Duration

	// BotUsername is the bot account referral links point at, without the
	// leading '@'.
	BotUsername string

	Cache    Cache
	TTLs     CacheTTLs
	Queue    *AdmissionQueue
	Platform Platform
	Store    Store
	Admins   *AdminList
	Batch    *BatchWriter
	Logger   logrus.FieldLogger
}

func (c *GateConfig) SetDefaults() {
	setter.SetDefault(&c.RequiredReferrals, 3)
	setter.SetDefault(&c.ReferralVerifyDelay, 30*clock.Second)
	setter.SetDefault(&c.VerifyTimeout, 30*clock.Second)
	setter.SetDefault(&c.Admins, NewAdminList(nil, nil))
	setter.SetDefault(&c.Logger, logrus.WithField("category", "gate"))
	c.TTLs.SetDefaults()
}

var gateCheckMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "predictgate_gate_checks_total",
	Help: "Access checks by kind and outcome.",
}, []string{"check", "outcome"})
var gateVerifyMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "predictgate_referral_verifications_total",
	Help: "Referral verification passes by outcome.",
}, []string{"outcome"})

// Gate decides whether a user may use the bot. Access requires a channel
// subscription plus a verified-referral quota; administrators bypass both.
// Every outbound platform call goes through the admission queue, and every
// answer is cached so repeat checks stay off the platform API.
//
// The two checks fail differently on purpose. A platform outage during a
// subscription check admits the user (the platform being down is not the
// user's fault), while a store outage during a quota check denies (quota is
// an anti-abuse control and must not be creditable by breaking the store).
type Gate struct {
	conf GateConfig
	log  logrus.FieldLogger

	mu      sync.Mutex
	running bool

	wg   syncutil.WaitGroup
	done chan struct{}
}

var _ prometheus.Collector = &Gate{}

func NewGate(conf GateConfig) (*Gate, error) {
	conf.SetDefaults()

	if conf.Channel == "" {
		return nil, errors.New("GateConfig.Channel is required")
	}
	if conf.Cache == nil || conf.Queue == nil || conf.Platform == nil || conf.Store == nil {
		return nil, errors.New("GateConfig requires Cache, Queue, Platform and Store")
	}

	return &Gate{conf: conf, log: conf.Logger}, nil
}

// Start enables background referral verification. The gate answers checks
// before Start, but RegisterReferral refuses to schedule verification until
// the gate is running.
func (g *Gate) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return fmt.Errorf("gate already started")
	}
	g.running = true
	g.done = make(chan struct{})
	return nil
}

// Stop cancels verification timers that have not fired yet; the referrals
// involved stay unverified and can be re-checked with RecheckReferral.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.done)
	g.mu.Unlock()

	g.wg.Wait()
}

// CheckSubscription reports whether the user is subscribed to the required
// channel. Order of authority: admin list, cache, then the platform through
// the admission queue at high priority. A platform failure admits the user
// without caching, so the next check retries.
func (g *Gate) CheckSubscription(ctx context.Context, userID int64, handle string) bool {
	if g.conf.Admins.IsAdmin(userID, handle) {
		gateCheckMetric.WithLabelValues("subscription", "admin").Add(1)
		return true
	}

	key := CacheKey(CategorySubscription, strconv.FormatInt(userID, 10))
	var subscribed bool
	if g.conf.Cache.Get(key, &subscribed) {
		gateCheckMetric.WithLabelValues("subscription", outcome(subscribed)).Add(1)
		return subscribed
	}

	status, err := g.membershipStatus(ctx, userID, PriorityHigh)
	if err != nil {
		g.log.WithError(err).WithField("user", userID).
			Warn("subscription check failed, admitting")
		gateCheckMetric.WithLabelValues("subscription", "fail_open").Add(1)
		return true
	}

	subscribed = status.IsSubscribed()
	g.conf.Cache.Set(key, subscribed, g.conf.TTLs.Subscription)
	gateCheckMetric.WithLabelValues("subscription", outcome(subscribed)).Add(1)
	return subscribed
}

// CheckReferralQuota reports whether the user has enough verified referrals,
// along with the current count. A store failure denies with a zero count; the
// result of a failure is never cached.
func (g *Gate) CheckReferralQuota(ctx context.Context, userID int64, handle string) (bool, int) {
	if g.conf.Admins.IsAdmin(userID, handle) {
		gateCheckMetric.WithLabelValues("referral", "admin").Add(1)
		return true, g.conf.RequiredReferrals
	}

	key := CacheKey(CategoryReferral, strconv.FormatInt(userID, 10))
	var count int
	if !g.conf.Cache.Get(key, &count) {
		var err error
		count, err = g.conf.Store.CountVerifiedReferrals(ctx, userID)
		if err != nil {
			g.log.WithError(err).WithField("user", userID).
				Warn("referral count unavailable, denying")
			gateCheckMetric.WithLabelValues("referral", "fail_closed").Add(1)
			return false, 0
		}
		g.conf.Cache.Set(key, count, g.conf.TTLs.Referral)
	}

	met := count >= g.conf.RequiredReferrals
	gateCheckMetric.WithLabelValues("referral", outcome(met)).Add(1)
	return met, count
}

// RegisterReferral records that referrerID brought in referredID and
// schedules a verification pass after ReferralVerifyDelay. Self-referrals
// are ignored, as is a referred user who already has a referrer; the first
// relationship wins and later claims are silently dropped.
func (g *Gate) RegisterReferral(ctx context.Context, referrerID, referredID int64) error {
	if referrerID == referredID || referrerID == 0 {
		return nil
	}
	// Admins neither earn nor owe referrals.
	if g.conf.Admins.IsAdmin(referrerID, "") || g.conf.Admins.IsAdmin(referredID, "") {
		return nil
	}

	existing, err := g.conf.Store.FindReferral(ctx, referredID)
	if err != nil {
		return errors.Wrap(err, "while looking up existing referral")
	}
	if existing != nil {
		return nil
	}

	if err := g.conf.Store.InsertReferral(ctx, referrerID, referredID); err != nil {
		return errors.Wrap(err, "while inserting referral")
	}
	g.log.WithFields(logrus.Fields{
		"referrer": referrerID,
		"referred": referredID,
	}).Info("referral registered")

	g.scheduleVerification(referrerID, referredID)
	return nil
}

// RecheckReferral re-runs verification for a referral that missed or failed
// its scheduled pass. A referral that is already verified is left alone.
func (g *Gate) RecheckReferral(ctx context.Context, referredID int64) error {
	r, err := g.conf.Store.FindReferral(ctx, referredID)
	if err != nil {
		return errors.Wrap(err, "while looking up referral")
	}
	if r == nil {
		return fmt.Errorf("no referral recorded for user '%d'", referredID)
	}
	if r.Verified {
		return nil
	}
	g.verifyReferral(ctx, r.ReferrerID, r.ReferredID)
	return nil
}

// RegisterUser records a user sighting through the batch writer. Writes are
// deferred to the next flush; registration is not on any access-check path.
func (g *Gate) RegisterUser(userID int64, username string, referredBy int64) {
	now := clock.Now()
	record := UserRecord{
		ID:           userID,
		Username:     username,
		ReferredBy:   referredBy,
		RegisteredAt: now,
		LastActivity: now,
	}
	if g.conf.Batch != nil {
		g.conf.Batch.Add(record)
		return
	}

	// No batch writer configured, write through directly.
	ctx, cancel := context.WithTimeout(context.Background(), 10*clock.Second)
	defer cancel()
	if err := g.conf.Store.UpsertUser(ctx, record); err != nil {
		g.log.WithError(err).WithField("user", userID).Error("while registering user")
	}
}

// ReferralLink builds the deep link a referrer shares. Opening it starts the
// bot with a 'ref<id>' payload that ties the new user back to the referrer.
func (g *Gate) ReferralLink(userID int64) string {
	return fmt.Sprintf("https://t.me/%s?start=ref%d", g.conf.BotUsername, userID)
}

// ParseReferralPayload extracts the referrer id from a start payload, or 0
// when the payload is not a referral.
func ParseReferralPayload(payload string) int64 {
	const prefix = "ref"
	if len(payload) <= len(prefix) || payload[:len(prefix)] != prefix {
		return 0
	}
	id, err := strconv.ParseInt(payload[len(prefix):], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// scheduleVerification arms a one-shot timer for the referral. The timer is
// supervised: Stop cancels it and Wait observes its exit.
func (g *Gate) scheduleVerification(referrerID, referredID int64) {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		g.log.WithField("referred", referredID).
			Warn("gate not running, skipping verification schedule")
		return
	}
	done := g.done
	g.mu.Unlock()

	g.wg.Go(func() {
		select {
		case <-done:
			return
		case <-clock.After(g.conf.ReferralVerifyDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), g.conf.VerifyTimeout)
		defer cancel()
		g.verifyReferral(ctx, referrerID, referredID)
	})
}

// verifyReferral checks that the referred user is subscribed and, if so,
// credits the referrer: the referral is marked verified, the referrer's
// cached count is invalidated and a progress notification goes out through
// the queue at low priority.
func (g *Gate) verifyReferral(ctx context.Context, referrerID, referredID int64) {
	status, err := g.membershipStatus(ctx, referredID, PriorityMedium)
	if err != nil {
		g.log.WithError(err).WithField("referred", referredID).
			Warn("referral verification failed, leaving unverified")
		gateVerifyMetric.WithLabelValues("error").Add(1)
		return
	}
	if !status.IsSubscribed() {
		g.log.WithField("referred", referredID).
			Info("referred user not subscribed, referral unverified")
		gateVerifyMetric.WithLabelValues("unsubscribed").Add(1)
		return
	}

	if err := g.conf.Store.MarkReferralVerified(ctx, referrerID, referredID); err != nil {
		g.log.WithError(err).WithField("referred", referredID).
			Error("while marking referral verified")
		gateVerifyMetric.WithLabelValues("error").Add(1)
		return
	}
	gateVerifyMetric.WithLabelValues("verified").Add(1)

	// The stale count must go before the notification reads a fresh one.
	g.conf.Cache.Delete(CacheKey(CategoryReferral, strconv.FormatInt(referrerID, 10)))

	count, err := g.conf.Store.CountVerifiedReferrals(ctx, referrerID)
	if err != nil {
		g.log.WithError(err).WithField("referrer", referrerID).
			Warn("while counting referrals for notification")
		return
	}
	g.conf.Cache.Set(CacheKey(CategoryReferral, strconv.FormatInt(referrerID, 10)),
		count, g.conf.TTLs.Referral)
	g.notifyReferrer(referrerID, count)
}

func (g *Gate) notifyReferrer(referrerID int64, count int) {
	var text string
	if count >= g.conf.RequiredReferrals {
		text = fmt.Sprintf("🎉 Referral confirmed! You now have %d verified referrals "+
			"and full access is unlocked.", count)
	} else {
		text = fmt.Sprintf("✅ Referral confirmed! You have %d of %d verified referrals.",
			count, g.conf.RequiredReferrals)
	}

	g.conf.Queue.Submit(PriorityLow, func(ctx context.Context) (interface{}, error) {
		return g.conf.Platform.SendMessage(ctx, referrerID, text)
	}, referrerID)
}

// membershipStatus routes one membership lookup through the admission queue
// and waits for it under the caller's ctx.
func (g *Gate) membershipStatus(ctx context.Context, userID int64, priority Priority) (MembershipStatus, error) {
	handle := g.conf.Queue.Submit(priority, func(ctx context.Context) (interface{}, error) {
		return g.conf.Platform.GetMembershipStatus(ctx, g.conf.Channel, userID)
	}, userID)

	result, err := handle.Wait(ctx)
	if err != nil {
		return MemberUnknown, err
	}
	return result.(MembershipStatus), nil
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// Describe fetches prometheus metrics to be registered
func (g *Gate) Describe(ch chan<- *prometheus.Desc) {
	gateCheckMetric.Describe(ch)
	gateVerifyMetric.Describe(ch)
}

// Collect fetches metric counts from the gate
func (g *Gate) Collect(ch chan<- prometheus.Metric) {
	gateCheckMetric.Collect(ch)
	gateVerifyMetric.Collect(ch)
}
