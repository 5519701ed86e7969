package testsuite

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Suite holds the shared state of a test suite: the logger, the default timeouts for
// asynchronous assertions and a context canceled when the suite is closed.
type Suite struct {
	Timeout, Interval time.Duration
	LogLevel          int
	Ctx               context.Context
	Cancel            context.CancelFunc
	Log               logr.Logger
}

// New creates a test suite that logs to the ginkgo writer. Use a negative loglevel for more
// verbose logs, e.g., -10 to log everything.
func New(loglevel int) *Suite {
	s := &Suite{
		Timeout:  time.Second * 5,
		Interval: time.Millisecond * 50,
		LogLevel: loglevel,
	}

	opts := zap.Options{
		Development:     true,
		DestWriter:      GinkgoWriter,
		StacktraceLevel: zapcore.Level(4),
		TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
		Level:           zapcore.Level(loglevel), //nolint:gosec
	}
	s.Log = zap.New(zap.UseFlagOptions(&opts))

	s.Ctx, s.Cancel = context.WithCancel(context.Background())

	return s
}

// Close cancels the suite context.
func (s *Suite) Close() {
	s.Cancel()
}
