package telemetry

import (
	"github.com/charmbracelet/log"
)

// StdoutReporter logs each counter snapshot through the process logger.
type StdoutReporter struct {
	logger *log.Logger
}

// NewStdoutReporter builds a stdout reporter. A nil logger falls back
// to the package default.
func NewStdoutReporter(logger *log.Logger) StdoutReporter {
	if logger == nil {
		logger = log.Default()
	}
	return StdoutReporter{logger: logger}
}

// Publish implements Reporter.
func (r StdoutReporter) Publish(sample Sample) {
	r.logger.Info("stream counters",
		"serial", sample.Serial,
		"rx_delivered", sample.RxDelivered,
		"rx_overruns", sample.RxOverruns,
		"tx_sent", sample.TxSent,
		"tx_late", sample.TxLate,
		"tx_underruns", sample.TxUnderruns,
	)
}
