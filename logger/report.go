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
)

type venueStat struct {
	frames int64
	bytes  int64
}

var (
	venueErrors  int64
	venueWarns   int64
	sinkErrors   int64
	sinkWarns    int64
	framesRead   int64
	batchesSaved int64
	venues       sync.Map // map[string]*venueStat
)

func recordWarn(component string) {
	if strings.Contains(component, "venue") || strings.Contains(component, "connection") {
		atomic.AddInt64(&venueWarns, 1)
	} else if strings.Contains(component, "sink") || strings.Contains(component, "writer") {
		atomic.AddInt64(&sinkWarns, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "venue") || strings.Contains(component, "connection") {
		atomic.AddInt64(&venueErrors, 1)
	} else if strings.Contains(component, "sink") || strings.Contains(component, "writer") {
		atomic.AddInt64(&sinkErrors, 1)
	}
}

// IncrementFrameRead records one raw frame received from a venue stream.
func IncrementFrameRead(venue string, size int) {
	atomic.AddInt64(&framesRead, 1)
	v, _ := venues.LoadOrStore(venue, &venueStat{})
	vs := v.(*venueStat)
	atomic.AddInt64(&vs.frames, 1)
	atomic.AddInt64(&vs.bytes, int64(size))
}

// IncrementBatchSaved records one durable batch write.
func IncrementBatchSaved() {
	atomic.AddInt64(&batchesSaved, 1)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and ingestion statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	venueData := map[string]map[string]int64{}
	venues.Range(func(k, v any) bool {
		name := k.(string)
		vs := v.(*venueStat)
		venueData[name] = map[string]int64{
			"frames": atomic.LoadInt64(&vs.frames),
			"bytes":  atomic.LoadInt64(&vs.bytes),
		}
		return true
	})

	fields := Fields{
		"goroutines":    runtime.NumGoroutine(),
		"frames_read":   atomic.LoadInt64(&framesRead),
		"batches_saved": atomic.LoadInt64(&batchesSaved),
		"venue_warns":   atomic.LoadInt64(&venueWarns),
		"venue_errors":  atomic.LoadInt64(&venueErrors),
		"sink_warns":    atomic.LoadInt64(&sinkWarns),
		"sink_errors":   atomic.LoadInt64(&sinkErrors),
		"venues":        venueData,
	}
	if len(cpuPercent) > 0 {
		fields["cpu_percent"] = cpuPercent[0]
	}
	if memStats != nil {
		fields["mem_percent"] = memStats.UsedPercent
	}
	if diskStats != nil {
		fields["disk_percent"] = diskStats.UsedPercent
	}
	if len(netStats) > 0 {
		fields["net_bytes_recv"] = netStats[0].BytesRecv
		fields["net_bytes_sent"] = netStats[0].BytesSent
	}

	log.WithComponent("report").WithFields(fields).Info("ingestion report")
}
