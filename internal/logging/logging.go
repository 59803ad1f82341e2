// Package logging centralizes logrus setup so every component gets a
// consistently tagged *logrus.Entry, the same way the example resilience
// code (goldbox-rpg's integration.ResilientExecutor) scopes a logger per
// component with logrus.WithField("component", ...).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("TASKFORGE_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// SetLevel overrides the base logger's level, used by config loading once
// viper has resolved the effective log level.
func SetLevel(level string) {
	if lvl, err := logrus.ParseLevel(level); err == nil {
		base.SetLevel(lvl)
	}
}

// For returns a logger scoped to a single component, e.g. For("engine").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
