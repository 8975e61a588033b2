package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

type levelStat struct {
	warns  int64
	errors int64
}

var (
	fetchCalls         int64
	fetchObservations  int64
	snapshotsPublished int64
	sinkWrites         int64
	flows              sync.Map // map[string]*flowStat
	levels             sync.Map // map[string]*levelStat
)

func levelFor(component string) *levelStat {
	v, _ := levels.LoadOrStore(component, &levelStat{})
	return v.(*levelStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&levelFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&levelFor(component).errors, 1)
}

// IncrementFetch counts one vendor call and the observations it yielded.
func IncrementFetch(source string, observations int, size int) {
	atomic.AddInt64(&fetchCalls, 1)
	atomic.AddInt64(&fetchObservations, int64(observations))
	recordFlow("fetch_"+source, size)
}

// IncrementSnapshotPublished counts one store publish.
func IncrementSnapshotPublished() {
	atomic.AddInt64(&snapshotsPublished, 1)
}

// IncrementSinkWrite counts one sink write of size bytes.
func IncrementSinkWrite(sink string, size int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordFlow("sink_"+sink, size)
}

// RecordChannelMessage counts a message on a named pipeline channel.
func RecordChannelMessage(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// StartReport logs system and pipeline statistics every interval until ctx
// is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		fs := v.(*flowStat)
		flowData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	var warns, errs int64
	levels.Range(func(_, v any) bool {
		ls := v.(*levelStat)
		warns += atomic.LoadInt64(&ls.warns)
		errs += atomic.LoadInt64(&ls.errors)
		return true
	})

	return Fields{
		"fetch_calls":         atomic.LoadInt64(&fetchCalls),
		"fetch_observations":  atomic.LoadInt64(&fetchObservations),
		"snapshots_published": atomic.LoadInt64(&snapshotsPublished),
		"sink_writes":         atomic.LoadInt64(&sinkWrites),
		"warns":               warns,
		"errors":              errs,
		"goroutines":          runtime.NumGoroutine(),
		"flows":               flowData,
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()

	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}
	var sent, recv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		sent, recv = netStats[0].BytesSent, netStats[0].BytesRecv
	}
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memMB)
	fields["net_bytes_sent"] = int64(sent)
	fields["net_bytes_recv"] = int64(recv)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	if !CloudWatchEnabled() {
		return
	}
	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("FXFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("FXFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		count("FXFlow-FetchCalls", fields["fetch_calls"].(int64)),
		count("FXFlow-FetchObservations", fields["fetch_observations"].(int64)),
		count("FXFlow-SnapshotsPublished", fields["snapshots_published"].(int64)),
		count("FXFlow-SinkWrites", fields["sink_writes"].(int64)),
		count("FXFlow-Errors", fields["errors"].(int64)),
		count("FXFlow-Warns", fields["warns"].(int64)),
	}

	flowData := fields["flows"].(map[string]map[string]int64)
	names := make([]string, 0, len(flowData))
	for name := range flowData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("FXFlow-FlowMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(flowData[name]["messages"])),
		})
	}
	publishMetrics(ctx, data)
}
