package measurement

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"carbonbot/internal/domain"
)

// GeneratorConfig bounds synthetic records.
type GeneratorConfig struct {
	Plants   []string
	MinCO2e  float64
	MaxCO2e  float64
	Location *time.Location
}

// Generator produces synthetic measurement records. Timestamps it hands out
// never go backwards, even if the wall clock does.
type Generator struct {
	mu   sync.Mutex
	cfg  GeneratorConfig
	rng  *rand.Rand
	last time.Time
	now  func() time.Time
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	return newGenerator(cfg, rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)), time.Now)
}

func newGenerator(cfg GeneratorConfig, rng *rand.Rand, now func() time.Time) *Generator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxCO2e < cfg.MinCO2e {
		cfg.MinCO2e, cfg.MaxCO2e = cfg.MaxCO2e, cfg.MinCO2e
	}
	if len(cfg.Plants) == 0 {
		cfg.Plants = []string{"plant"}
	}
	return &Generator{cfg: cfg, rng: rng, now: now}
}

// Next returns a record without an ID; persistence assigns one.
func (g *Generator) Next() domain.Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	plant := g.cfg.Plants[g.rng.IntN(len(g.cfg.Plants))]
	v := g.cfg.MinCO2e + g.rng.Float64()*(g.cfg.MaxCO2e-g.cfg.MinCO2e)
	v = math.Round(v*100) / 100

	ts := g.now().In(g.cfg.Location)
	if ts.Before(g.last) {
		ts = g.last
	}
	g.last = ts

	return domain.Record{Plant: plant, CO2e: v, Timestamp: ts}
}
