package collab

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collab` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - provisioning retries and auth recovery
//     - connection errors and reconnects
//     - capability probe downgrades
// Warning/Error:
//     unexpected failures and recovered panics
// V(1):
//     lifecycle events - attach, detach, connect, destroy
// V(2):
//     per-frame traffic and trace timings

type LogFunction func(string, ...any)

// tagged verbose logger. Output is emitted only at or above `level`.
func VLogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
