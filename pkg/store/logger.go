package store

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// badgerLogAdapter routes badger's internal logging through logrus.
type badgerLogAdapter struct {
	log *logrus.Logger
}

func (a *badgerLogAdapter) Errorf(format string, args ...interface{}) {
	a.log.Errorf(trimNewline(format), args...)
}

func (a *badgerLogAdapter) Warningf(format string, args ...interface{}) {
	a.log.Warningf(trimNewline(format), args...)
}

func (a *badgerLogAdapter) Infof(format string, args ...interface{}) {
	a.log.Debugf(trimNewline(format), args...)
}

func (a *badgerLogAdapter) Debugf(format string, args ...interface{}) {
	a.log.Debugf(trimNewline(format), args...)
}

// badger terminates its messages with newlines logrus would double up.
func trimNewline(format string) string {
	return strings.TrimSuffix(format, "\n")
}
