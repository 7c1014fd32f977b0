package transport

import (
	"sync"
	"time"

	"github.com/tallowproject/tallow/internal/chunk"
)

// BandwidthSampleWindow is the number of samples kept in the ring
// buffer, giving a 30-second rolling window at the 1 Hz sample rate
// spec.md §4.5 calls for.
const BandwidthSampleWindow = 30

type bandwidthSample struct {
	at         time.Time
	rttMillis  float64
	lossRatio  float64
	throughput float64 // bytes/sec
}

// BandwidthStats samples RTT, loss, and throughput into a fixed-size
// ring buffer at (at most) 1 Hz, generalizing the teacher's single
// atomic RTT field (internal/peer/connection.go's Connection.UpdateRTT)
// to a rolling window so the adaptive chunk-size classifier has enough
// history to react to a trend instead of a single noisy reading.
type BandwidthStats struct {
	mu      sync.Mutex
	samples [BandwidthSampleWindow]bandwidthSample
	count   int
	next    int
	last    time.Time
}

// NewBandwidthStats returns an empty sampler.
func NewBandwidthStats() *BandwidthStats {
	return &BandwidthStats{}
}

// Record adds one sample, silently dropping samples offered less than
// 1 second after the previous one to enforce the 1 Hz sampling rate.
func (b *BandwidthStats) Record(rttMillis, lossRatio, throughput float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !b.last.IsZero() && now.Sub(b.last) < time.Second {
		return
	}
	b.last = now

	b.samples[b.next] = bandwidthSample{at: now, rttMillis: rttMillis, lossRatio: lossRatio, throughput: throughput}
	b.next = (b.next + 1) % BandwidthSampleWindow
	if b.count < BandwidthSampleWindow {
		b.count++
	}
}

// Averages returns the mean RTT (ms), loss ratio, and throughput
// (bytes/sec) over the current window. With no samples yet, all zeros.
func (b *BandwidthStats) Averages() (rttMillis, lossRatio, throughput float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return 0, 0, 0
	}
	var sumRTT, sumLoss, sumThroughput float64
	for i := 0; i < b.count; i++ {
		s := b.samples[i]
		sumRTT += s.rttMillis
		sumLoss += s.lossRatio
		sumThroughput += s.throughput
	}
	n := float64(b.count)
	return sumRTT / n, sumLoss / n, sumThroughput / n
}

// LinkQuality classifies the current averaged bandwidth stats into one
// of the adaptive chunk-size tiers in internal/chunk.
type LinkQuality int

const (
	QualityVeryPoor LinkQuality = iota
	QualityPoor
	QualityModerate
	QualityFast
	QualityLAN
)

// Classify buckets the current averages into a LinkQuality tier. The
// thresholds favor RTT and loss over raw throughput, since a
// high-throughput but lossy/high-latency link (satellite, congested
// Wi-Fi) still benefits from smaller chunks to limit retransmit cost.
func (b *BandwidthStats) Classify() LinkQuality {
	rtt, loss, throughput := b.Averages()
	switch {
	case rtt == 0 && loss == 0 && throughput == 0:
		return QualityModerate
	case loss > 0.05 || rtt > 400:
		return QualityVeryPoor
	case loss > 0.02 || rtt > 200:
		return QualityPoor
	case rtt > 80:
		return QualityModerate
	case throughput > 50<<20: // >50 MiB/s, treat as LAN-class
		return QualityLAN
	default:
		return QualityFast
	}
}

// ChunkSizeForQuality maps a sampled LinkQuality to one of
// internal/chunk's fixed transfer chunk sizes, the adaptive selection
// internal/chunk's package doc defers to this package.
func ChunkSizeForQuality(q LinkQuality) int {
	switch q {
	case QualityVeryPoor:
		return chunk.SizeVeryPoor
	case QualityPoor:
		return chunk.SizePoor
	case QualityFast:
		return chunk.SizeFast
	case QualityLAN:
		return chunk.SizeLAN
	default:
		return chunk.SizeModerate
	}
}

// LinkQualityReporter is an optional capability a PeerConn may expose
// to report its sampled link quality, letting callers adapt chunk size
// without depending on a concrete transport implementation.
type LinkQualityReporter interface {
	LinkQuality() LinkQuality
}
