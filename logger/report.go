package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorCounts   sync.Map // map[string]*int64 by component
	warnCounts    sync.Map // map[string]*int64 by component
	depthReads    int64
	snapshotLoads int64
	historyWrites int64
	historyBytes  int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	v, _ := warnCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorCounts.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func IncrementDepthRead(size int) {
	atomic.AddInt64(&depthReads, 1)
	recordChannel("depth_ws", size)
}

func IncrementSnapshotLoad(size int) {
	atomic.AddInt64(&snapshotLoads, 1)
	recordChannel("snapshot_rest", size)
}

func IncrementHistoryWrite(size int64) {
	atomic.AddInt64(&historyWrites, 1)
	atomic.AddInt64(&historyBytes, size)
	recordChannel("history_s3", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of process and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sumCounts := func(m *sync.Map) (int64, map[string]int64) {
		byComponent := map[string]int64{}
		var total int64
		m.Range(func(k, v any) bool {
			n := atomic.LoadInt64(v.(*int64))
			byComponent[k.(string)] = n
			total += n
			return true
		})
		return total, byComponent
	}
	errorsTotal, errorsBy := sumCounts(&errorCounts)
	warnsTotal, warnsBy := sumCounts(&warnCounts)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_total":   errorsTotal,
		"errors":         errorsBy,
		"warns_total":    warnsTotal,
		"warns":          warnsBy,
		"depth_reads":    atomic.LoadInt64(&depthReads),
		"snapshot_loads": atomic.LoadInt64(&snapshotLoads),
		"history_writes": atomic.LoadInt64(&historyWrites),
		"history_bytes":  atomic.LoadInt64(&historyBytes),
		"goroutines":     runtime.NumGoroutine(),
		"heap_mb":        int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":       channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("ErrorsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errorsTotal))},
		{MetricName: aws.String("WarnsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warnsTotal))},
		{MetricName: aws.String("DepthReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&depthReads)))},
		{MetricName: aws.String("SnapshotLoads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotLoads)))},
		{MetricName: aws.String("HistoryWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&historyWrites)))},
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
