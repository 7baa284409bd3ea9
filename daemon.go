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
	"net/http"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	StoreBackendMongo  = "mongo"
	StoreBackendSheets = "sheets"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

type DaemonConfig struct {
	// BotToken authenticates the bot with Telegram.
	BotToken string

	// Channel users must be subscribed to, '@channelname' form.
	Channel string

	// StoreBackend selects persistence: 'mongo' (default) or 'sheets'.
	StoreBackend string
	Mongo        MongoStoreConfig
	Sheets       SheetStoreConfig

	// CacheBackend selects caching: 'memory' (default) or 'redis'.
	CacheBackend string
	Redis        RedisCacheConfig
	TTLs         CacheTTLs

	Queue AdmissionQueueConfig

	RequiredReferrals   int
	ReferralVerifyDelay clock.Duration

	AdminIDs     []int64
	AdminHandles []string

	BatchSize     int
	BatchInterval clock.Duration

	// HTTPListenAddress serves /metrics and /healthz. Default "0.0.0.0:8090".
	HTTPListenAddress string

	Logger logrus.FieldLogger
}

func (c *DaemonConfig) SetDefaults() {
	setter.SetDefault(&c.StoreBackend, StoreBackendMongo)
	setter.SetDefault(&c.CacheBackend, CacheBackendMemory)
	setter.SetDefault(&c.HTTPListenAddress, "0.0.0.0:8090")
	setter.SetDefault(&c.Logger, logrus.WithField("category", "daemon"))
	c.TTLs.SetDefaults()
}

// Daemon owns the wired service graph and the lifecycle of every component
// in it. Construct with SpawnDaemon; shut down with Close.
type Daemon struct {
	conf DaemonConfig
	log  logrus.FieldLogger

	Gate     *Gate
	Queue    *AdmissionQueue
	Cache    Cache
	Store    Store
	Platform *TelegramPlatform
	Batch    *BatchWriter

	registry *prometheus.Registry
	server   *http.Server
	wg       syncutil.WaitGroup
}

// SpawnDaemon builds every component, verifies the store is reachable,
// starts the background loops and begins serving metrics. The returned
// daemon is fully operational.
func SpawnDaemon(ctx context.Context, conf DaemonConfig) (*Daemon, error) {
	conf.SetDefaults()
	d := &Daemon{conf: conf, log: conf.Logger}

	if err := d.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := d.setupCache(); err != nil {
		return nil, err
	}

	platform, err := NewTelegramPlatform(TelegramPlatformConfig{Token: conf.BotToken})
	if err != nil {
		return nil, errors.Wrap(err, "while creating telegram platform")
	}
	d.Platform = platform

	queueConf := conf.Queue
	queueConf.Notifier = d.notifyPosition
	d.Queue = NewAdmissionQueue(queueConf)
	if err := d.Queue.Start(); err != nil {
		return nil, errors.Wrap(err, "while starting admission queue")
	}

	d.Batch = NewBatchWriter(BatchWriterConfig{
		FlushSize:     conf.BatchSize,
		FlushInterval: conf.BatchInterval,
		Store:         d.Store,
	})
	d.Batch.Start()

	gate, err := NewGate(GateConfig{
		Channel:             conf.Channel,
		RequiredReferrals:   conf.RequiredReferrals,
		ReferralVerifyDelay: conf.ReferralVerifyDelay,
		BotUsername:         platform.BotUsername(),
		Cache:               d.Cache,
		TTLs:                conf.TTLs,
		Queue:               d.Queue,
		Platform:            platform,
		Store:               d.Store,
		Admins:              NewAdminList(conf.AdminIDs, conf.AdminHandles),
		Batch:               d.Batch,
	})
	if err != nil {
		return nil, errors.Wrap(err, "while creating gate")
	}
	d.Gate = gate
	if err := d.Gate.Start(); err != nil {
		return nil, errors.Wrap(err, "while starting gate")
	}

	if err := d.serveHTTP(); err != nil {
		return nil, err
	}
	d.log.Infof("daemon ready (store=%s cache=%s)", conf.StoreBackend, conf.CacheBackend)
	return d, nil
}

func (d *Daemon) setupStore(ctx context.Context) error {
	switch d.conf.StoreBackend {
	case StoreBackendMongo:
		store, err := NewMongoStore(ctx, d.conf.Mongo)
		if err != nil {
			return errors.Wrap(err, "while creating mongo store")
		}
		d.Store = store
	case StoreBackendSheets:
		store, err := NewSheetStore(ctx, d.conf.Sheets)
		if err != nil {
			return errors.Wrap(err, "while creating sheet store")
		}
		d.Store = store
	default:
		return fmt.Errorf("unknown store backend '%s'; expected '%s' or '%s'",
			d.conf.StoreBackend, StoreBackendMongo, StoreBackendSheets)
	}

	// Refuse to start on an unreachable store; a gate without persistence
	// would silently deny every referral quota.
	if err := d.Store.Ping(ctx); err != nil {
		return errors.Wrap(err, "store unreachable")
	}
	return nil
}

func (d *Daemon) setupCache() error {
	switch d.conf.CacheBackend {
	case CacheBackendMemory:
		d.Cache = NewTTLCache(0)
	case CacheBackendRedis:
		cache, err := NewRedisCache(d.conf.Redis)
		if err != nil {
			return errors.Wrap(err, "while creating redis cache")
		}
		d.Cache = cache
	default:
		return fmt.Errorf("unknown cache backend '%s'; expected '%s' or '%s'",
			d.conf.CacheBackend, CacheBackendMemory, CacheBackendRedis)
	}
	return nil
}

func (d *Daemon) serveHTTP() error {
	d.registry = prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{d.Queue, d.Gate} {
		if err := d.registry.Register(c); err != nil {
			return errors.Wrap(err, "while registering collector")
		}
	}
	if mem, ok := d.Cache.(*TTLCache); ok {
		if err := d.registry.Register(mem); err != nil {
			return errors.Wrap(err, "while registering cache collector")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*clock.Second)
		defer cancel()
		if err := d.Store.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "OK")
	})

	d.server = &http.Server{Addr: d.conf.HTTPListenAddress, Handler: mux}
	d.wg.Go(func() {
		d.log.Infof("HTTP server listening on %s", d.conf.HTTPListenAddress)
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.WithError(err).Error("while serving HTTP")
		}
	})
	return nil
}

// notifyPosition tells a waiting user where they are in line. The send goes
// straight to the platform; routing it through the queue would make the
// notification wait behind the very backlog it reports.
func (d *Daemon) notifyPosition(userID int64, position int, etaSeconds float64) {
	text := fmt.Sprintf("⏳ You are #%d in line, about %.0f seconds to go.",
		position, etaSeconds)

	d.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*clock.Second)
		defer cancel()
		if _, err := d.Platform.SendMessage(ctx, userID, text); err != nil {
			d.log.WithError(err).WithField("user", userID).
				Debug("while sending position notification")
		}
	})
}

// Close shuts components down in dependency order: the gate first so no new
// verifications arm, then the batch writer so its final flush still has a
// store, then the queue and the HTTP server.
func (d *Daemon) Close(ctx context.Context) error {
	if d.Gate != nil {
		d.Gate.Stop()
	}
	if d.Batch != nil {
		d.Batch.Stop()
	}
	if d.Queue != nil {
		d.Queue.Stop()
	}
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "while shutting down HTTP server")
		}
	}
	d.wg.Wait()

	if closer, ok := d.Store.(*MongoStore); ok {
		if err := closer.Close(ctx); err != nil {
			return errors.Wrap(err, "while disconnecting store")
		}
	}
	if closer, ok := d.Cache.(*RedisCache); ok {
		if err := closer.Close(); err != nil {
			return errors.Wrap(err, "while closing cache")
		}
	}
	d.log.Info("daemon stopped")
	return nil
}
