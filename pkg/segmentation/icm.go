package segmentation

import (
	"math"
	"runtime"
	"sync"

	"hmrfseg/pkg/backend"
)

// neighborOffsets is the 6-connected neighborhood (face neighbors only).
// Matching the face-connected stencil keeps the Potts energy isotropic in
// voxel units; diagonal neighbors would need distance weighting.
var neighborOffsets = [6][3]int{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// IteratedConditionalModes encodes the Markov Random Field spatial prior and
// performs greedy local energy minimization over hard labels.
type IteratedConditionalModes struct {
	be backend.Backend
}

// NewIteratedConditionalModes creates an ICM engine bound to a numeric backend.
func NewIteratedConditionalModes(be backend.Backend) *IteratedConditionalModes {
	return &IteratedConditionalModes{be: be}
}

// InitializeMaximumLikelihood assigns every voxel the class minimizing its
// negative log-likelihood, with no spatial term. Ties break to the lowest
// class index, so the result is reproducible.
func (icm *IteratedConditionalModes) InitializeMaximumLikelihood(nll *Field) *Segmentation {
	seg := NewSegmentation(nll.Width, nll.Height, nll.Depth)
	n := nll.VoxelCount()

	parallelRange(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			best := 0
			bestCost := nll.Plane(0)[i]
			for k := 1; k < nll.Classes; k++ {
				if c := nll.Plane(k)[i]; c < bestCost {
					best = k
					bestCost = c
				}
			}
			seg.Labels[i] = best
		}
	})

	return seg
}

// ProbNeighborhood converts the current hard segmentation into a per-voxel,
// per-class spatial prior. For every voxel and candidate class k, the Potts
// energy is beta times the number of in-bounds 6-connected neighbors whose
// label differs from k; boundary voxels count only their in-bounds neighbors.
// The energies are mapped through exp(-E) and normalized across classes.
func (icm *IteratedConditionalModes) ProbNeighborhood(seg *Segmentation, beta float64, nclasses int) *Field {
	prior := NewField(seg.Width, seg.Height, seg.Depth, nclasses)
	n := prior.VoxelCount()

	parallelSlabs(seg.Depth, func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			for y := 0; y < seg.Height; y++ {
				for x := 0; x < seg.Width; x++ {
					i := seg.Index(x, y, z)
					for k := 0; k < nclasses; k++ {
						mismatch := mismatchCount(seg, x, y, z, k)
						prior.Plane(k)[i] = beta * float64(mismatch)
					}
				}
			}
		}
	})

	// exp(-energy), then normalize each voxel's class vector to sum to 1.
	icm.be.Scale(prior.Data, -1)
	icm.be.Exp(prior.Data)

	total := make([]float64, n)
	for k := 0; k < nclasses; k++ {
		icm.be.Add(total, prior.Plane(k))
	}
	for k := 0; k < nclasses; k++ {
		plane := prior.Plane(k)
		icm.be.DivTo(plane, plane, total)
	}

	return prior
}

// ICMIsing performs exactly one synchronous ICM sweep. Every voxel is scored
// against the same previous segmentation snapshot: for each class k the total
// cost is nll(x,k) + beta * (number of neighbors of x labeled differently
// from k under prev), and the minimizing class becomes the voxel's new label.
// The minimal cost is recorded as the voxel's energy.
//
// The previous segmentation is never modified; updating labels in place
// (asynchronously) would change the convergence behavior of the outer loop.
func (icm *IteratedConditionalModes) ICMIsing(nll *Field, beta float64, prev *Segmentation) (*Segmentation, *Volume) {
	next := NewSegmentation(prev.Width, prev.Height, prev.Depth)
	energy := NewVolume(prev.Width, prev.Height, prev.Depth)

	parallelSlabs(prev.Depth, func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			for y := 0; y < prev.Height; y++ {
				for x := 0; x < prev.Width; x++ {
					i := prev.Index(x, y, z)
					best := 0
					bestCost := math.Inf(1)
					for k := 0; k < nll.Classes; k++ {
						cost := nll.Plane(k)[i] + beta*float64(mismatchCount(prev, x, y, z, k))
						if cost < bestCost {
							best = k
							bestCost = cost
						}
					}
					next.Labels[i] = best
					energy.Data[i] = bestCost
				}
			}
		}
	})

	return next, energy
}

// mismatchCount returns how many in-bounds 6-connected neighbors of
// (x, y, z) carry a label different from k. There is no wraparound and no
// padding; out-of-bounds neighbors simply do not contribute.
func mismatchCount(seg *Segmentation, x, y, z, k int) int {
	count := 0
	for _, off := range neighborOffsets {
		nx, ny, nz := x+off[0], y+off[1], z+off[2]
		if nx < 0 || nx >= seg.Width || ny < 0 || ny >= seg.Height || nz < 0 || nz >= seg.Depth {
			continue
		}
		if seg.At(nx, ny, nz) != k {
			count++
		}
	}
	return count
}

// parallelSlabs splits the z range [0, depth) across the available cores and
// runs fn on each sub-range concurrently.
func parallelSlabs(depth int, fn func(z0, z1 int)) {
	workers := runtime.NumCPU()
	if workers > depth {
		workers = depth
	}
	if workers < 2 {
		fn(0, depth)
		return
	}

	chunk := (depth + workers - 1) / workers
	var wg sync.WaitGroup
	for z0 := 0; z0 < depth; z0 += chunk {
		z1 := z0 + chunk
		if z1 > depth {
			z1 = depth
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			fn(z0, z1)
		}(z0, z1)
	}
	wg.Wait()
}

// parallelRange splits a flat voxel range across the available cores.
func parallelRange(n int, fn func(lo, hi int)) {
	workers := runtime.NumCPU()
	if workers < 2 || n < 1024 {
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
