package backend

import (
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// parallelThreshold is the slice length below which elementwise loops run on
// the calling goroutine; splitting smaller slices costs more than it saves.
const parallelThreshold = 4096

func init() {
	if err := Register("cpu", &cpuBackend{}); err != nil {
		panic(err)
	}
}

// cpuBackend is the in-process implementation built on gonum's dense slice
// operations, with transcendental loops chunked across the available cores.
type cpuBackend struct{}

func (c *cpuBackend) Name() string { return "cpu" }

func (c *cpuBackend) Copy(dst, src []float64) {
	copy(dst, src)
}

func (c *cpuBackend) Fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

func (c *cpuBackend) AddConst(dst []float64, v float64) {
	floats.AddConst(v, dst)
}

func (c *cpuBackend) Scale(dst []float64, v float64) {
	floats.Scale(v, dst)
}

func (c *cpuBackend) Add(dst, s []float64) {
	floats.Add(dst, s)
}

func (c *cpuBackend) SubTo(dst, a, b []float64) {
	floats.SubTo(dst, a, b)
}

func (c *cpuBackend) MulTo(dst, a, b []float64) {
	floats.MulTo(dst, a, b)
}

func (c *cpuBackend) DivTo(dst, a, b []float64) {
	floats.DivTo(dst, a, b)
}

func (c *cpuBackend) Exp(dst []float64) {
	parallelChunks(len(dst), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = math.Exp(dst[i])
		}
	})
}

func (c *cpuBackend) ClampMin(dst []float64, v float64) {
	parallelChunks(len(dst), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if dst[i] < v {
				dst[i] = v
			}
		}
	})
}

func (c *cpuBackend) WhereEq(dst, src []float64, v float64, repl []float64) {
	parallelChunks(len(src), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if src[i] == v {
				dst[i] = repl[i]
			} else {
				dst[i] = src[i]
			}
		}
	})
}

func (c *cpuBackend) Min(s []float64) float64 {
	return floats.Min(s)
}

func (c *cpuBackend) Max(s []float64) float64 {
	return floats.Max(s)
}

func (c *cpuBackend) Sum(s []float64) float64 {
	return floats.Sum(s)
}

func (c *cpuBackend) Argsort(s []float64) []int {
	sorted := make([]float64, len(s))
	copy(sorted, s)
	inds := make([]int, len(s))
	floats.Argsort(sorted, inds)
	return inds
}

// parallelChunks splits [0,n) into one contiguous range per worker and runs
// fn on each range concurrently. Small inputs run inline.
func parallelChunks(n int, fn func(lo, hi int)) {
	workers := runtime.NumCPU()
	if n < parallelThreshold || workers < 2 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
