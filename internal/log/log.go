package log

import (
	"sync"
)

// Logger is the process-wide logging surface onvm-mgr and onvm-ctl code
// against, rather than logrus directly, so the appender/formatter wiring
// in initByConfig stays an internal concern of this package.
type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	once   sync.Once
	logger Logger
)

// GetLogger returns the process-wide Logger. Init must have run first.
func GetLogger() Logger {
	return logger
}

// WithInstanceID tags l with the "instance_id" field key, the convention
// the registry, master loop, and dispatch error paths all use so log
// aggregation can group by NF instance consistently instead of each call
// site inventing its own key spelling.
func WithInstanceID(l Logger, id uint16) Logger {
	return l.WithField("instance_id", id)
}

// WithServiceID tags l with the "service_id" field key, the registry's
// ServiceID.
func WithServiceID(l Logger, id uint16) Logger {
	return l.WithField("service_id", id)
}

// Init constructs the process-wide Logger from cfg. Only the first call
// takes effect; later calls are no-ops.
func Init(cfg *LoggerConfig) {
	once.Do(func() {
		var err error
		err = initByConfig(cfg)
		if err != nil {
			panic(err)
		}
	})
}
