// Package metrics exports pipeline counters and meter totals in the
// Prometheus exposition format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/starmeter-project/starmeter/internal/capture"
	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/meter"
	"github.com/starmeter-project/starmeter/internal/pipeline"
)

const namespace = "starmeter"

// Sources are the components the collector reads on every scrape. Any of
// them may be nil.
type Sources struct {
	Session   *pipeline.Session
	Capture   func() capture.Stats
	Tally     *meter.Tally
	Directory *entity.Directory
	Dropped   func() uint64
}

// Collector is a prometheus.Collector computing every sample at scrape time.
type Collector struct {
	src Sources

	bound          *prometheus.Desc
	segments       *prometheus.Desc
	detections     *prometheus.Desc
	resets         *prometheus.Desc
	frameErrors    *prometheus.Desc
	frames         *prometheus.Desc
	frameBytes     *prometheus.Desc
	pending        *prometheus.Desc
	reasmResets    *prometheus.Desc
	containers     *prometheus.Desc
	parserErrors   *prometheus.Desc
	payloads       *prometheus.Desc
	combatRecords  *prometheus.Desc
	packets        *prometheus.Desc
	skippedPackets *prometheus.Desc
	entities       *prometheus.Desc
	sourceDamage   *prometheus.Desc
	sourceHeal     *prometheus.Desc
	sourceHits     *prometheus.Desc
	dropped        *prometheus.Desc
}

// NewCollector builds descriptors for everything in src.
func NewCollector(src Sources) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:            src,
		bound:          d("flow_bound", "1 when a game flow is bound."),
		segments:       d("segments_total", "TCP segments handled by the session, by outcome.", "outcome"),
		detections:     d("detections_total", "Game flows bound."),
		resets:         d("flow_resets_total", "Bound flows released, by reason.", "reason"),
		frameErrors:    d("frame_errors_total", "Invalid frame lengths seen by the reassembler."),
		frames:         d("frames_total", "Frames delivered by the reassembler."),
		frameBytes:     d("frame_bytes_total", "Bytes delivered by the reassembler."),
		pending:        d("reassembly_pending_segments", "Out-of-order segments waiting for a gap to fill."),
		reasmResets:    d("reassembly_clears_total", "Reassembler clears, by cause.", "cause"),
		containers:     d("containers_total", "Containers parsed, by message type.", "type"),
		parserErrors:   d("parser_errors_total", "Containers dropped by the frame parser, by cause.", "cause"),
		payloads:       d("payloads_total", "Notify payloads seen by the interpreter, by outcome.", "outcome"),
		combatRecords:  d("combat_records_total", "Damage records emitted, by kind.", "kind"),
		packets:        d("capture_packets_total", "Link-layer frames read from the capture source."),
		skippedPackets: d("capture_skipped_total", "Frames that carried no usable TCP payload, by cause.", "cause"),
		entities:       d("entities", "Named entities in the directory, by role.", "role"),
		sourceDamage:   d("source_damage", "Damage dealt in the current session.", "source_id", "source"),
		sourceHeal:     d("source_heal", "Healing done in the current session.", "source_id", "source"),
		sourceHits:     d("source_hits", "Records attributed to a source in the current session.", "source_id", "source"),
		dropped:        d("bus_dropped_events_total", "Events dropped because a subscriber queue was full."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.bound, c.segments, c.detections, c.resets, c.frameErrors, c.frames, c.frameBytes,
		c.pending, c.reasmResets, c.containers, c.parserErrors, c.payloads, c.combatRecords,
		c.packets, c.skippedPackets, c.entities, c.sourceDamage, c.sourceHeal, c.sourceHits, c.dropped,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	if s := c.src.Session; s != nil {
		st := s.Snapshot()
		bound := 0.0
		if st.Bound {
			bound = 1
		}
		gauge(c.bound, bound)

		counter(c.segments, st.Counters.Reassembled, "reassembled")
		counter(c.segments, st.Counters.Ignored, "ignored")
		counter(c.segments, st.Counters.Panics, "panic")
		counter(c.detections, st.Counters.Detections)
		counter(c.resets, st.Counters.Inactivity, "inactivity")
		counter(c.resets, st.Counters.Resets-st.Counters.Inactivity, "other")
		counter(c.frameErrors, st.Counters.FrameErrors)

		counter(c.frames, st.Reassembly.Frames)
		counter(c.frameBytes, st.Reassembly.Bytes)
		gauge(c.pending, float64(st.Reassembly.Pending))
		counter(c.reasmResets, st.Reassembly.Timeouts, "timeout")
		counter(c.reasmResets, st.Reassembly.InvalidFrames, "invalid_length")
		counter(c.reasmResets, st.Reassembly.Evictions, "eviction")

		counter(c.containers, st.Parser.Notifies, "notify")
		counter(c.containers, st.Parser.FrameDowns, "frame_down")
		counter(c.containers, st.Parser.Returns, "return")
		counter(c.containers, st.Parser.UnknownTypes, "unknown")
		counter(c.parserErrors, st.Parser.Malformed, "malformed")
		counter(c.parserErrors, st.Parser.DecodeErrors, "decode")
		counter(c.parserErrors, st.Parser.ForeignService, "foreign_service")

		counter(c.payloads, st.Interpreter.Payloads, "decoded")
		counter(c.payloads, st.Interpreter.Ignored, "ignored")
		counter(c.payloads, st.Interpreter.DecodeErrors, "error")
		counter(c.combatRecords, st.Interpreter.Damage, "damage")
		counter(c.combatRecords, st.Interpreter.Heals, "heal")
		counter(c.combatRecords, st.Interpreter.Skipped, "skipped")
	}

	if c.src.Capture != nil {
		cs := c.src.Capture()
		counter(c.packets, cs.Packets)
		counter(c.skippedPackets, cs.NotIPv4, "not_ipv4")
		counter(c.skippedPackets, cs.NotTCP, "not_tcp")
		counter(c.skippedPackets, cs.Fragmented, "fragmented")
		counter(c.skippedPackets, cs.Empty, "empty")
	}

	if d := c.src.Directory; d != nil {
		players, monsters := d.Len()
		gauge(c.entities, float64(players), "player")
		gauge(c.entities, float64(monsters), "monster")
	}

	if t := c.src.Tally; t != nil {
		for _, tot := range t.Totals() {
			id := strconv.FormatInt(tot.SourceID, 10)
			gauge(c.sourceDamage, float64(tot.Damage), id, tot.Source)
			gauge(c.sourceHeal, float64(tot.Heal), id, tot.Source)
			gauge(c.sourceHits, float64(tot.Hits), id, tot.Source)
		}
	}

	if c.src.Dropped != nil {
		counter(c.dropped, c.src.Dropped())
	}
}

// Handler returns an HTTP handler serving only the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewRegistry registers c together with the Go and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
