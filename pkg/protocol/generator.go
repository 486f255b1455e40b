package protocol

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Generator draws independent uniform samples within [min, max].
type Generator struct {
	min       float64
	max       float64
	precision int

	mu  sync.Mutex
	rng *rand.Rand
}

type GeneratorOption func(*Generator)

func WithRange(min float64, max float64) GeneratorOption {
	return func(g *Generator) {
		if min <= max {
			g.min = min
			g.max = max
		}
	}
}

func WithPrecision(precision int) GeneratorOption {
	return func(g *Generator) {
		if precision >= 0 {
			g.precision = precision
		}
	}
}

func WithSeed(seed uint64) GeneratorOption {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

func NewGenerator(opts ...GeneratorOption) *Generator {
	seed := uint64(time.Now().UnixNano())
	g := &Generator{
		min:       DefaultMin,
		max:       DefaultMax,
		precision: DefaultPrecision,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Range() (float64, float64) {
	return g.min, g.max
}

func (g *Generator) Precision() int {
	return g.precision
}

// Next returns a fresh sample, already rounded.
func (g *Generator) Next() Sample {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Sample{
		X: g.axis(),
		Y: g.axis(),
		Z: g.axis(),
	}
}

func (g *Generator) axis() float64 {
	v := Round(g.min+g.rng.Float64()*(g.max-g.min), g.precision)
	// rounding can step just outside a bound that is not a multiple of the precision
	if v < g.min {
		v = Round(g.min, g.precision)
		if v < g.min {
			v += math.Pow(10, -float64(g.precision))
		}
	}
	if v > g.max {
		v = Round(g.max, g.precision)
		if v > g.max {
			v -= math.Pow(10, -float64(g.precision))
		}
	}
	return Round(v, g.precision)
}
