package rtp

import "github.com/prometheus/client_golang/prometheus"

// Process-wide media-plane counters. Per-source detail (loss, jitter,
// reorder) lives in the ReceptionStats snapshots; these counters cover
// what an operator dashboard needs without per-SSRC label cardinality.
var (
	rtpPacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opal_media_core",
		Subsystem: "rtp",
		Name:      "packets_total",
		Help:      "RTP packets moved, by direction.",
	}, []string{"direction"})

	rtcpReportsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opal_media_core",
		Subsystem: "rtp",
		Name:      "rtcp_reports_sent_total",
		Help:      "Compound RTCP reports emitted.",
	})

	rtpPacketsLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opal_media_core",
		Subsystem: "rtp",
		Name:      "packets_lost_total",
		Help:      "Inbound packets counted lost across all sessions.",
	})
)

var (
	sessionPacketsSent     = rtpPacketsTotal.WithLabelValues("sent")
	sessionPacketsReceived = rtpPacketsTotal.WithLabelValues("received")
)

func init() {
	prometheus.MustRegister(rtpPacketsTotal, rtcpReportsSentTotal, rtpPacketsLostTotal)
}

// recordLoss feeds the loss counter from a reception tracker's
// discontinuity report.
func recordLoss(lost uint32) {
	if lost > 0 {
		rtpPacketsLostTotal.Add(float64(lost))
	}
}
