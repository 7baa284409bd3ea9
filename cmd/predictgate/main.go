package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alvecapital/predictgate"
	"github.com/mailgun/holster/v4/clock"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("category", "server")
var Version = "dev-build"

func main() {
	conf, err := confFromEnv()
	checkErr(err, "while getting config")

	ctx, cancel := context.WithTimeout(context.Background(), 30*clock.Second)
	daemon, err := predictgate.SpawnDaemon(ctx, conf)
	cancel()
	checkErr(err, "while spawning daemon")

	log.Infof("predictgate %s running", Version)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	for sig := range c {
		if sig == os.Interrupt {
			log.Info("caught interrupt; user requested premature exit")
			ctx, cancel := context.WithTimeout(context.Background(), 30*clock.Second)
			checkErr(daemon.Close(ctx), "during shutdown")
			cancel()
			os.Exit(0)
		}
	}
}

func checkErr(err error, msg string) {
	if err != nil {
		log.WithError(err).Error(msg)
		os.Exit(1)
	}
}
