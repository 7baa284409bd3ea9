package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alvecapital/predictgate"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var debug = false

func confFromEnv() (predictgate.DaemonConfig, error) {
	var configFile string
	var conf predictgate.DaemonConfig

	flags := flag.NewFlagSet("predictgate", flag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "environment config file")
	flags.BoolVar(&debug, "debug", false, "enable debug")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return conf, err
	}

	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if configFile != "" {
		log.Infof("Loading env config: %s", configFile)
		if err := fromEnvFile(configFile); err != nil {
			return conf, err
		}
	}

	// Main config
	setter.SetDefault(&conf.BotToken, os.Getenv("PGATE_BOT_TOKEN"))
	setter.SetDefault(&conf.Channel, os.Getenv("PGATE_CHANNEL"))
	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("PGATE_HTTP_ADDRESS"), "0.0.0.0:8090")

	if conf.BotToken == "" {
		return conf, errors.New("PGATE_BOT_TOKEN is required")
	}
	if conf.Channel == "" {
		return conf, errors.New("PGATE_CHANNEL is required")
	}

	// Store
	setter.SetDefault(&conf.StoreBackend, os.Getenv("PGATE_STORE_BACKEND"), predictgate.StoreBackendMongo)
	setter.SetDefault(&conf.Mongo.URI, os.Getenv("PGATE_MONGO_URI"))
	setter.SetDefault(&conf.Mongo.Database, os.Getenv("PGATE_MONGO_DATABASE"))
	setter.SetDefault(&conf.Sheets.SpreadsheetID, os.Getenv("PGATE_SHEET_ID"))
	setter.SetDefault(&conf.Sheets.CredentialsFile, os.Getenv("PGATE_SHEET_CREDENTIALS"))

	// Cache
	setter.SetDefault(&conf.CacheBackend, os.Getenv("PGATE_CACHE_BACKEND"), predictgate.CacheBackendMemory)
	setter.SetDefault(&conf.Redis.Addr, os.Getenv("PGATE_REDIS_ADDRESS"))
	setter.SetDefault(&conf.Redis.URL, os.Getenv("PGATE_REDIS_URL"))
	setter.SetDefault(&conf.Redis.Password, os.Getenv("PGATE_REDIS_PASSWORD"))
	setter.SetDefault(&conf.TTLs.Subscription, getEnvDuration("PGATE_TTL_SUBSCRIPTION"))
	setter.SetDefault(&conf.TTLs.Referral, getEnvDuration("PGATE_TTL_REFERRAL"))
	setter.SetDefault(&conf.TTLs.User, getEnvDuration("PGATE_TTL_USER"))

	// Admission queue
	setter.SetDefault(&conf.Queue.MaxOpsPerSecond, getEnvInteger("PGATE_MAX_OPS_PER_SECOND"))
	setter.SetDefault(&conf.Queue.OpTimeout, getEnvDuration("PGATE_OP_TIMEOUT"))
	setter.SetDefault(&conf.Queue.NotifyInterval, getEnvDuration("PGATE_NOTIFY_INTERVAL"))

	// Referral gate
	setter.SetDefault(&conf.RequiredReferrals, getEnvInteger("PGATE_REQUIRED_REFERRALS"))
	setter.SetDefault(&conf.ReferralVerifyDelay, getEnvDuration("PGATE_REFERRAL_VERIFY_DELAY"))
	setter.SetDefault(&conf.AdminIDs, getEnvInt64Slice("PGATE_ADMIN_IDS"))
	setter.SetDefault(&conf.AdminHandles, getEnvSlice("PGATE_ADMIN_HANDLES"))

	// Batch writer
	setter.SetDefault(&conf.BatchSize, getEnvInteger("PGATE_BATCH_SIZE"))
	setter.SetDefault(&conf.BatchInterval, getEnvDuration("PGATE_BATCH_INTERVAL"))

	return conf, nil
}

func getEnvInteger(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvDuration(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

func getEnvSlice(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func getEnvInt64Slice(name string) []int64 {
	var out []int64
	for _, item := range getEnvSlice(name) {
		i, err := strconv.ParseInt(strings.TrimSpace(item), 10, 64)
		if err != nil {
			log.WithError(err).Errorf("while parsing '%s' as int64 list", name)
			return nil
		}
		out = append(out, i)
	}
	return out
}

// Take values from a file in the format `PGATE_CONF_ITEM=my-value` and put them into the environment
// lines that begin with `#` are ignored
func fromEnvFile(configFile string) error {
	fd, err := os.Open(configFile)
	if err != nil {
		return fmt.Errorf("while opening config file: %s", err)
	}
	defer fd.Close()

	contents, err := ioutil.ReadAll(fd)
	if err != nil {
		return fmt.Errorf("while reading config file '%s': %s", configFile, err)
	}
	for i, line := range strings.Split(string(contents), "\n") {
		// Skip comments, empty lines or lines with tabs
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, " ") ||
			strings.HasPrefix(line, "\t") || len(line) == 0 {
			continue
		}

		logrus.Debugf("config: [%d] '%s'", i, line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed key=value on line '%d'", i)
		}

		if err := os.Setenv(parts[0], parts[1]); err != nil {
			return errors.Wrapf(err, "while settings environ for '%s=%s'", parts[0], parts[1])
		}
	}
	return nil
}
