package badgerstore

import (
	"fmt"
	"strings"

	"github.com/siftlab/sift/logger"
)

// badgerLogger forwards BadgerDB's internal logging through the
// engine's structured logger. Badger is chatty at INFO during
// compaction, so its informational output is demoted to debug.
type badgerLogger struct {
	log *logger.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error(trim(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn(trim(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug(trim(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Debug(trim(format, args...))
}

func trim(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
