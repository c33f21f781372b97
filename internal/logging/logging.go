// Package logging configures the shared logrus logger used across the
// server, replication worker, and action scheduler, grounded on the
// viper-driven logrus.ParseLevel/logrus.SetLevel pattern the teacher's CLI
// entrypoints use (cmd/cli/network.go's netInit).
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nimbusid/profileserver/pkg/config"
)

// New builds a logrus.Logger from the logging section of cfg. An empty
// Level defaults to "info"; an empty File logs to stderr.
func New(cfg config.Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := cfg.Logging.Level
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lv)

	var out io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	log.SetOutput(out)
	return log, nil
}
