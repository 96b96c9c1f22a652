package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFetch    int64
	errorsPipeline int64
	warnsFetch     int64
	warnsPipeline  int64
	apiReads       int64
	cacheHits      int64
	reportWrites   int64
	s3Uploads      int64
	flows          sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "treasury") || strings.Contains(component, "fetch") {
		atomic.AddInt64(&warnsFetch, 1)
	} else if strings.Contains(component, "pipeline") || strings.Contains(component, "cache") {
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "treasury") || strings.Contains(component, "fetch") {
		atomic.AddInt64(&errorsFetch, 1)
	} else if strings.Contains(component, "pipeline") || strings.Contains(component, "cache") {
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

// IncrementAPIRead accounts for one upstream API page of the given size.
func IncrementAPIRead(size int) {
	atomic.AddInt64(&apiReads, 1)
	recordFlow("treasury_api", size)
}

// IncrementCacheHit accounts for one cache envelope served from disk.
func IncrementCacheHit(size int) {
	atomic.AddInt64(&cacheHits, 1)
	recordFlow("cache_read", size)
}

// IncrementReportWrite accounts for one artifact written to the output dir.
func IncrementReportWrite(size int64) {
	atomic.AddInt64(&reportWrites, 1)
	recordFlow("report_write", int(size))
}

// IncrementS3Upload accounts for one artifact published to object storage.
func IncrementS3Upload(size int64) {
	atomic.AddInt64(&s3Uploads, 1)
	recordFlow("s3_upload", int(size))
}

// RecordFlow tracks message and byte counts for a named data flow.
func RecordFlow(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

// StartReport begins periodic logging of system and flow statistics
// until ctx is cancelled.
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
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_fetch":    atomic.LoadInt64(&errorsFetch),
		"errors_pipeline": atomic.LoadInt64(&errorsPipeline),
		"warns_fetch":     atomic.LoadInt64(&warnsFetch),
		"warns_pipeline":  atomic.LoadInt64(&warnsPipeline),
		"api_reads":       atomic.LoadInt64(&apiReads),
		"cache_hits":      atomic.LoadInt64(&cacheHits),
		"report_writes":   atomic.LoadInt64(&reportWrites),
		"s3_uploads":      atomic.LoadInt64(&s3Uploads),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"flows":           flowData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-ErrorsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-WarnsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-WarnsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-APIReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["api_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-CacheHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cache_hits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-ReportWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["report_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-S3Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("FxFlow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FxFlow-FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("FxFlow-FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
