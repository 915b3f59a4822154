package metrics

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"kthreads/internal/kernel/threads"
)

type fakeSource struct {
	stats threads.Stats
	mlfqs bool
}

var testBootID = uuid.MustParse("6f1d3b7e-1c2a-4f0e-9a57-0b8e2d4c6a10")

func (f *fakeSource) Stats() threads.Stats { return f.stats }
func (f *fakeSource) BootID() uuid.UUID    { return testBootID }
func (f *fakeSource) MLFQS() bool          { return f.mlfqs }

func TestSchedulerCollector(t *testing.T) {
	src := &fakeSource{
		mlfqs: true,
		stats: threads.Stats{
			IdleTicks:       5,
			KernelTicks:     20,
			UserTicks:       7,
			ContextSwitches: 9,
			Donations:       2,
			Ticks:           32,
			LoadAvg100:      150,
			RunCount:        3,
			RunSum:          9,
		},
	}
	src.stats.RunBuckets[1] = 1 // 1 tick
	src.stats.RunBuckets[3] = 2 // 4 ticks each

	c := NewSchedulerCollector(src)

	if n := testutil.CollectAndCount(c); n != 16 {
		t.Errorf("collected %d series, want 16", n)
	}

	const labels = `boot_id="6f1d3b7e-1c2a-4f0e-9a57-0b8e2d4c6a10",scheduler="mlfqs"`
	expected := `
# HELP kthreads_context_switches_total Total number of context switches.
# TYPE kthreads_context_switches_total counter
kthreads_context_switches_total{` + labels + `} 9
# HELP kthreads_cpu_ticks_total Timer ticks by what the CPU was running: idle, kernel or user.
# TYPE kthreads_cpu_ticks_total counter
kthreads_cpu_ticks_total{` + labels + `,mode="idle"} 5
kthreads_cpu_ticks_total{` + labels + `,mode="kernel"} 20
kthreads_cpu_ticks_total{` + labels + `,mode="user"} 7
# HELP kthreads_load_average MLFQS load average, sampled once per second of timer ticks.
# TYPE kthreads_load_average gauge
kthreads_load_average{` + labels + `} 1.5
# HELP kthreads_run_length_ticks Histogram of the ticks a thread ran before each context switch.
# TYPE kthreads_run_length_ticks histogram
kthreads_run_length_ticks_bucket{` + labels + `,le="0"} 0
kthreads_run_length_ticks_bucket{` + labels + `,le="1"} 1
kthreads_run_length_ticks_bucket{` + labels + `,le="3"} 1
kthreads_run_length_ticks_bucket{` + labels + `,le="7"} 3
kthreads_run_length_ticks_bucket{` + labels + `,le="15"} 3
kthreads_run_length_ticks_bucket{` + labels + `,le="31"} 3
kthreads_run_length_ticks_bucket{` + labels + `,le="63"} 3
kthreads_run_length_ticks_bucket{` + labels + `,le="127"} 3
kthreads_run_length_ticks_bucket{` + labels + `,le="+Inf"} 3
kthreads_run_length_ticks_sum{` + labels + `} 9
kthreads_run_length_ticks_count{` + labels + `} 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"kthreads_context_switches_total",
		"kthreads_cpu_ticks_total",
		"kthreads_load_average",
		"kthreads_run_length_ticks",
	)
	if err != nil {
		t.Error(err)
	}
}

func TestSchedulerCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewSchedulerCollector(&fakeSource{})); err != nil {
		t.Fatalf("register: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "scheduler" && lp.GetValue() != "priority" {
					t.Errorf("%s: scheduler label %q, want priority", mf.GetName(), lp.GetValue())
				}
			}
		}
	}
}
