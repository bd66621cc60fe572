package demux

import (
	"fmt"
	"strings"
	"time"
)

// Metrics accumulates the driver's run-level counters (spec §6,
// "Metrics file"). Metrics is owned by the single driver goroutine and
// requires no synchronization (spec §5, "Metrics counters are updated
// in the same thread that routes").
type Metrics struct {
	Processed  int
	Assigned   int
	Unassigned int
	PerSample  map[string]int

	sampleOrder []string
}

func newMetrics(sampleOrder []string) *Metrics {
	return &Metrics{
		PerSample:   make(map[string]int, len(sampleOrder)),
		sampleOrder: sampleOrder,
	}
}

// record folds one record's routing decision into the counters.
func (m *Metrics) record(sample string, assigned bool) {
	m.Processed++
	if assigned {
		m.Assigned++
		m.PerSample[sample]++
	} else {
		m.Unassigned++
	}
}

// Report renders the metrics file text: a timestamped command-line
// header, the three run-level counters, then a per-sample section in
// catalogue order (spec §6).
func (m *Metrics) Report(commandLine string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", commandLine)
	fmt.Fprintf(&b, "# %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "Processed\t%d\n", m.Processed)
	fmt.Fprintf(&b, "Assigned\t%d\n", m.Assigned)
	fmt.Fprintf(&b, "Unassigned\t%d\n", m.Unassigned)
	b.WriteString("# per-sample counts\n")
	for _, name := range m.sampleOrder {
		fmt.Fprintf(&b, "%s\t%d\n", name, m.PerSample[name])
	}
	return b.String()
}
