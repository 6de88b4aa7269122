package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	channels    sync.Map // name -> *channelStat
)

func incr(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	incr(&warnCounts, component)
}

func recordError(component string) {
	incr(&errorCounts, component)
}

// RecordChannelMessage counts one message of size bytes flowing through a named channel.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// ComponentCounts returns the warn and error totals per component.
func ComponentCounts() (warns, errs map[string]int64) {
	return snapshotCounts(&warnCounts), snapshotCounts(&errorCounts)
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// ReportSource contributes application fields to every runtime report.
type ReportSource func() Fields

// StartReport begins periodic logging of system, channel and application statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration, source ReportSource) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, source)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log, source ReportSource) {
	fields := runtimeFields()

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	fields["channels"] = channelData

	warns, errs := ComponentCounts()
	fields["warns"] = warns
	fields["errors"] = errs

	var app Fields
	if source != nil {
		app = source()
		for k, v := range app {
			fields[k] = v
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(fields["cpu_percent"].(float64))},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(fields["memory_mb"].(int64)))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["goroutines"].(int)))},
	}

	keys := make([]string, 0, len(app))
	for k := range app {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := ToFloat64(app[k]); ok {
			data = append(data, cwtypes.MetricDatum{MetricName: aws.String(k), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(v)})
		}
	}

	publishMetrics(ctx, data)
}

func runtimeFields() Fields {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	var memUsed, diskUsed int64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = int64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		diskUsed = int64(du.Used) / 1024 / 1024
	}
	return Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   memUsed,
		"disk_mb":     diskUsed,
	}
}
