// Package logging builds the logrus entries passed around the rest of the
// module (store.WithLogger, the server loop, the client), matching the
// contextual Infof/Debugf/WithError style grounded on
// other_examples' msgworker pool (the only file in the retrieval pack built
// on sirupsen/logrus), generalized from one worker-pool logger to one
// logger per rank, tagged with that rank's role and number.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/swift-lang/swift-t-sub000/internal/config"
)

// New builds a logrus entry for one rank, with level and formatter chosen
// from cfg.Debug/cfg.Trace (ADLB_DEBUG/ADLB_TRACE). role is "server" or
// "worker"; rank is the fabric rank.
func New(cfg config.Config, role string, rank int) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch {
	case cfg.Trace:
		l.SetLevel(logrus.TraceLevel)
	case cfg.Debug:
		l.SetLevel(logrus.DebugLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l.WithFields(logrus.Fields{
		"role": role,
		"rank": rank,
	})
}

// Discard returns an entry that drops everything, for tests and callers
// that don't want log output.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
