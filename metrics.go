package evgrid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts a conversion run. Counters live in a private registry
// that can be written out for a node exporter textfile collector.
type Metrics struct {
	reg *prometheus.Registry

	Samples     prometheus.Counter
	Groups      prometheus.Counter
	EmptyGroups prometheus.Counter
	Shards      prometheus.Counter
	ShardBytes  prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Samples: f.NewCounter(prometheus.CounterOpts{
			Name: "evgrid_polarity_samples_total",
			Help: "Polarity samples voxelized",
		}),
		Groups: f.NewCounter(prometheus.CounterOpts{
			Name: "evgrid_groups_total",
			Help: "Voxel grids resampled from polarity samples",
		}),
		EmptyGroups: f.NewCounter(prometheus.CounterOpts{
			Name: "evgrid_empty_groups_total",
			Help: "Voxel grids filled in for frames without polarity samples",
		}),
		Shards: f.NewCounter(prometheus.CounterOpts{
			Name: "evgrid_shards_total",
			Help: "Shards written",
		}),
		ShardBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "evgrid_shard_bytes_total",
			Help: "Bytes written to shards",
		}),
	}
}

// observeGrid counts a grid handed to the batch writer
func (m *Metrics) observeGrid(g *VoxelGrid) {
	if g.Samples == 0 {
		m.EmptyGroups.Inc()
		return
	}
	m.Groups.Inc()
	m.Samples.Add(float64(g.Samples))
}

func (m *Metrics) observeShard(s ShardInfo) {
	m.Shards.Inc()
	m.ShardBytes.Add(float64(s.Bytes))
}

// WriteTextfile writes the current counter values to path in the
// prometheus text format
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
