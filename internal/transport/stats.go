package transport

import (
	"context"
	"time"
)

// startSampler begins the 5 s statistics loop. One sampler runs per
// established connection; CloseConnection stops it.
func (t *Transport) startSampler() {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.samplerCancel != nil {
		t.samplerCancel()
	}
	t.samplerCancel = cancel
	t.mu.Unlock()

	go func() {
		for {
			if err := t.clk.Wait(ctx, statsInterval); err != nil {
				return
			}
			t.SampleNow(ctx)
		}
	}()
}

// SampleNow collects one statistics snapshot. Sampling is single-flight: a
// sample requested while another is in flight shares its result, and the
// overrun is logged at debug level.
func (t *Transport) SampleNow(ctx context.Context) *Stats {
	v, _, shared := t.statsGroup.Do("sample", func() (any, error) {
		return t.collect(ctx), nil
	})
	if shared {
		t.logger.Debug("statistics sampling overrun skipped")
	}
	stats, _ := v.(*Stats)
	return stats
}

// collect gathers raw peer statistics and derives connection quality.
func (t *Transport) collect(ctx context.Context) *Stats {
	t.mu.Lock()
	peer := t.peer
	prevQuality := t.quality
	t.mu.Unlock()
	if peer == nil {
		return nil
	}

	raw, err := peer.GetStats(ctx)
	if err != nil {
		t.logger.Debug("statistics collection failed", "error", err)
		return nil
	}

	rtt := raw.BestPairRTT
	if rtt == 0 {
		rtt = raw.OutboundRTT
	}
	stats := &Stats{
		BytesSent:       raw.BytesSent,
		PacketsSent:     raw.PacketsSent,
		BytesReceived:   raw.BytesReceived,
		PacketsReceived: raw.PacketsReceived,
		PacketsLost:     raw.PacketsLost,
		Jitter:          time.Duration(raw.Jitter * float64(time.Second)),
		RoundTripTime:   time.Duration(rtt * float64(time.Second)),
		Quality:         qualityFor(raw.ICEState),
		SampledAt:       t.clk.Now(),
	}

	if stats.Quality != prevQuality {
		t.mu.Lock()
		t.quality = stats.Quality
		t.mu.Unlock()
		t.emit(Event{Kind: EventQualityChanged, Quality: &QualityChange{
			Previous: prevQuality,
			Current:  stats.Quality,
			Stats:    stats,
		}})
	}
	return stats
}

// qualityFor derives connection quality from the ICE state.
func qualityFor(s ICEState) ConnectionQuality {
	switch s {
	case ICEConnected, ICECompleted:
		return QualityExcellent
	case ICEChecking:
		return QualityGood
	case ICEDisconnected:
		return QualityPoor
	case ICEFailed, ICEClosed:
		return QualityFailed
	default:
		return QualityFair
	}
}

// Quality returns the last derived connection quality.
func (t *Transport) Quality() ConnectionQuality {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quality
}
