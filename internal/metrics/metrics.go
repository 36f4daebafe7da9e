// Package metrics exposes the engine's dial state as a Prometheus
// collector gathered at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dialcast/dialcast/internal/dialer"
)

// StatusProvider exposes the engine status snapshot.
type StatusProvider interface {
	Status() dialer.EngineStatus
}

// DispositionCounter returns call totals grouped by disposition.
type DispositionCounter interface {
	CountByDisposition(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers dialer metrics at scrape time.
type Collector struct {
	status       StatusProvider
	dispositions DispositionCounter

	activeCallsDesc    *prometheus.Desc
	registrationDesc   *prometheus.Desc
	queueDepthDesc     *prometheus.Desc
	rtpSessionsDesc    *prometheus.Desc
	campaignActiveDesc *prometheus.Desc
	campaignCallsDesc  *prometheus.Desc
	dispositionDesc    *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a metrics collector. Either provider may be nil if
// unavailable.
func NewCollector(status StatusProvider, dispositions DispositionCounter) *Collector {
	return &Collector{
		status:       status,
		dispositions: dispositions,

		activeCallsDesc: prometheus.NewDesc(
			"dialcast_active_calls",
			"Number of calls currently holding dial slots",
			nil, nil,
		),
		registrationDesc: prometheus.NewDesc(
			"dialcast_registration_up",
			"Whether the engine is registered with the PBX (1=registered)",
			[]string{"status"}, nil,
		),
		queueDepthDesc: prometheus.NewDesc(
			"dialcast_queue_depth",
			"Number of contacts waiting in the dial queue",
			nil, nil,
		),
		rtpSessionsDesc: prometheus.NewDesc(
			"dialcast_rtp_sessions_active",
			"Number of active RTP media sessions",
			nil, nil,
		),
		campaignActiveDesc: prometheus.NewDesc(
			"dialcast_campaign_active_calls",
			"Active calls per campaign",
			[]string{"campaign_id"}, nil,
		),
		campaignCallsDesc: prometheus.NewDesc(
			"dialcast_campaign_calls_total",
			"Calls per campaign since activation",
			[]string{"campaign_id", "result"}, nil,
		),
		dispositionDesc: prometheus.NewDesc(
			"dialcast_calls_total",
			"Total logged calls by disposition",
			[]string{"disposition"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialcast_uptime_seconds",
			"Seconds since the engine started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationDesc
	ch <- c.queueDepthDesc
	ch <- c.rtpSessionsDesc
	ch <- c.campaignActiveDesc
	ch <- c.campaignCallsDesc
	ch <- c.dispositionDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.status != nil {
		st := c.status.Status()

		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(st.Manager.ActiveCalls),
		)

		up := 0.0
		if st.Registration == "registered" {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registrationDesc, prometheus.GaugeValue, up, st.Registration,
		)

		ch <- prometheus.MustNewConstMetric(
			c.queueDepthDesc, prometheus.GaugeValue,
			float64(st.Manager.QueueDepth),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpSessionsDesc, prometheus.GaugeValue,
			float64(st.AllocatedRTPPorts),
		)

		for _, cs := range st.Manager.Campaigns {
			id := strconv.FormatInt(cs.CampaignID, 10)
			ch <- prometheus.MustNewConstMetric(
				c.campaignActiveDesc, prometheus.GaugeValue,
				float64(cs.ActiveCalls), id,
			)
			ch <- prometheus.MustNewConstMetric(
				c.campaignCallsDesc, prometheus.CounterValue,
				float64(cs.Initiated), id, "initiated",
			)
			ch <- prometheus.MustNewConstMetric(
				c.campaignCallsDesc, prometheus.CounterValue,
				float64(cs.Completed), id, "completed",
			)
			ch <- prometheus.MustNewConstMetric(
				c.campaignCallsDesc, prometheus.CounterValue,
				float64(cs.Failed), id, "failed",
			)
		}

		ch <- prometheus.MustNewConstMetric(
			c.uptimeDesc, prometheus.GaugeValue,
			float64(st.UptimeSeconds),
		)
	}

	if c.dispositions != nil {
		counts, err := c.dispositions.CountByDisposition(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by disposition", "error", err)
		} else {
			for disposition, n := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.dispositionDesc, prometheus.CounterValue,
					float64(n), disposition,
				)
			}
		}
	}
}
