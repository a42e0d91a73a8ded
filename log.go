package pair

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `pair` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - optimistic rollbacks
//     - subscription errors and resubscribes
//     - swallowed consistency failures (reverse row writes, lock flag propagation)
// Error:
//     unrecoverable crash details
// Debug (glog.V(2)):
//     key events for trace debugging
//     this includes:
//     - change events with row ids that can be used to filter
//     - frequent events - e.g. merge, patch, report, suppress -
//       logged with a subsystem tag: [cs] store/coordinator, [rc] reconciler,
//       [lr] location reporter, [iv] invitations, [cx] code exchange,
//       [rs] remote store, [ms] memory store

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
