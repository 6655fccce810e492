package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/internal/monitor"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// family gathers reg and returns the named metric family.
func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

// find returns the metric in mf whose labels include every pair in want.
func find(mf *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, m := range mf.GetMetric() {
		match := 0
		for _, lp := range m.GetLabel() {
			if v, ok := want[lp.GetName()]; ok && v == lp.GetValue() {
				match++
			}
		}
		if match == len(want) {
			return m
		}
	}
	return nil
}

func TestCollectorCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ContextSwitch(types.NoHandle, types.Handle{Index: 1, Gen: 1})
	c.ContextSwitch(types.Handle{Index: 1, Gen: 1}, types.NoHandle)
	c.TaskSpawned(types.KindUser)
	c.TaskSpawned(types.KindWorker)
	c.TaskExited(types.KindUser, "overflow")
	c.RequestSubmitted("fixed", types.ClassIO)
	c.RequestCompleted(types.ClassIO, 3, nil)
	c.RequestCompleted(types.ClassIO, 7, errors.New("fault"))
	c.RequestTimedOut(types.ClassGeneral)
	c.RequestRejected(types.ClassGeneral, "pool_exhausted")
	c.WorkerSpawned(types.ClassIO)
	c.WorkerRetired(types.ClassGeneral, "idle")

	assert.Equal(t, 2.0, family(t, reg, "rtkernel_context_switches_total").GetMetric()[0].GetCounter().GetValue())

	spawned := family(t, reg, "rtkernel_tasks_spawned_total")
	assert.Equal(t, 1.0, find(spawned, map[string]string{"kind": "kworker"}).GetCounter().GetValue())

	exited := family(t, reg, "rtkernel_tasks_exited_total")
	require.NotNil(t, find(exited, map[string]string{"kind": "user", "reason": "overflow"}))

	completed := family(t, reg, "rtkernel_requests_completed_total")
	assert.Equal(t, 1.0, find(completed, map[string]string{"class": "io", "outcome": "ok"}).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(completed, map[string]string{"class": "io", "outcome": "error"}).GetCounter().GetValue())

	latency := family(t, reg, "rtkernel_request_latency_ticks")
	h := find(latency, map[string]string{"class": "io"}).GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.Equal(t, 10.0, h.GetSampleSum())

	rejected := family(t, reg, "rtkernel_requests_rejected_total")
	require.NotNil(t, find(rejected, map[string]string{"class": "general", "reason": "pool_exhausted"}))

	retired := family(t, reg, "rtkernel_workers_retired_total")
	require.NotNil(t, find(retired, map[string]string{"class": "general", "reason": "idle"}))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "a registry holds one collector")

	// separate registries are independent
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestConcurrentUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RequestSubmitted("dynamic", types.ClassGeneral)
			c.RequestCompleted(types.ClassGeneral, 1, nil)
			c.ContextSwitch(types.NoHandle, types.NoHandle)
		}()
	}
	wg.Wait()

	submitted := family(t, reg, "rtkernel_requests_submitted_total")
	assert.Equal(t, 100.0, find(submitted, map[string]string{"mode": "dynamic"}).GetCounter().GetValue())
}

func testSnapshot() kernel.Snapshot {
	a := types.Handle{Index: 1, Gen: 3}
	return kernel.Snapshot{
		Tick:  42,
		Ready: 2,
		Tasks: []kernel.TaskInfo{{
			Handle:    a,
			Name:      "sensor",
			Kind:      types.KindUser,
			StackPeak: 96,
			Usage: monitor.TaskUsage{
				Handle:   a,
				InUse:    [types.NumMemCategories]int64{128, 64},
				Open:     2,
				CPUTicks: 21,
			},
		}},
		Global: monitor.Global{
			Memory:     [types.NumMemCategories]int64{128, 64},
			IdleTicks:  21,
			TotalTicks: 42,
		},
	}
}

func TestStateCollectorReadsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	calls := 0
	reg.MustRegister(NewStateCollector(func() kernel.Snapshot {
		calls++
		return testSnapshot()
	}))

	assert.Equal(t, 42.0, family(t, reg, "rtkernel_tick").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 50.0, family(t, reg, "rtkernel_cpu_load_percent").GetMetric()[0].GetGauge().GetValue())

	mem := family(t, reg, "rtkernel_memory_bytes")
	assert.Equal(t, 64.0, find(mem, map[string]string{"category": "network"}).GetGauge().GetValue())

	cpu := family(t, reg, "rtkernel_task_cpu_ticks")
	assert.Equal(t, 21.0, find(cpu, map[string]string{"task": "sensor", "handle": "1.3"}).GetCounter().GetValue())

	taskMem := family(t, reg, "rtkernel_task_memory_bytes")
	assert.Equal(t, 128.0, find(taskMem, map[string]string{"task": "sensor", "category": "kernel"}).GetGauge().GetValue())

	stack := family(t, reg, "rtkernel_task_stack_peak_bytes")
	assert.Equal(t, 96.0, find(stack, map[string]string{"task": "sensor"}).GetGauge().GetValue())

	assert.Greater(t, calls, 0, "snapshot is taken at scrape time")
}

func TestServerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ContextSwitch(types.NoHandle, types.NoHandle)

	srv := httptest.NewServer(NewServer(0, reg).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rtkernel_context_switches_total 1")
}
