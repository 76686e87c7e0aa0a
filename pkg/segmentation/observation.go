package segmentation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"hmrfseg/pkg/backend"
)

const (
	// varianceFloor keeps class variances away from zero so the Gaussian
	// log-likelihood stays finite even for constant-intensity classes.
	varianceFloor = 1e-12

	// weightFloor is the minimum total posterior mass a class needs before
	// its parameters are re-estimated; below it the previous estimates are
	// retained.
	weightFloor = 1e-10

	// normFloor bounds the per-voxel normalization denominator when every
	// class assigns (numerically) zero probability to a voxel.
	normFloor = 1e-30
)

// ObservationModel maintains and evaluates a K-component Gaussian intensity
// model over voxel intensities. It has no knowledge of spatial structure;
// the spatial prior is supplied by the ICM engine.
type ObservationModel struct {
	be backend.Backend
}

// NewObservationModel creates an observation model bound to a numeric backend.
func NewObservationModel(be backend.Backend) *ObservationModel {
	return &ObservationModel{be: be}
}

// InitializeParamUniform estimates initial class parameters by splitting the
// observed intensity range into nclasses uniform bins and computing the mean
// and standard deviation of the voxels falling into each bin.
//
// Bins that receive fewer than two voxels cannot support a variance estimate;
// they fall back to the bin midpoint with zero standard deviation, which the
// likelihood evaluation clamps to the variance floor. The returned means are
// in bin order; the caller is expected to re-sort them ascending.
func (m *ObservationModel) InitializeParamUniform(vol *Volume, nclasses int) (mu, sigma []float64) {
	mu = make([]float64, nclasses)
	sigma = make([]float64, nclasses)

	lo := m.be.Min(vol.Data)
	hi := m.be.Max(vol.Data)
	width := (hi - lo) / float64(nclasses)

	bins := make([][]float64, nclasses)
	for _, x := range vol.Data {
		k := 0
		if width > 0 {
			k = int((x - lo) / width)
			if k >= nclasses {
				k = nclasses - 1
			}
		}
		bins[k] = append(bins[k], x)
	}

	for k := 0; k < nclasses; k++ {
		if len(bins[k]) < 2 {
			mu[k] = lo + (float64(k)+0.5)*width
			sigma[k] = 0
			continue
		}
		mu[k] = stat.Mean(bins[k], nil)
		sigma[k] = stat.PopStdDev(bins[k], nil)
	}

	return mu, sigma
}

// NegLogLikelihood evaluates the per-voxel, per-class negative Gaussian
// log-likelihood 0.5*log(2*pi*sigmasq[k]) + (x-mu[k])^2 / (2*sigmasq[k]).
// Variances are clamped to the variance floor before use.
func (m *ObservationModel) NegLogLikelihood(vol *Volume, mu, sigmasq []float64, nclasses int) *Field {
	nll := NewField(vol.Width, vol.Height, vol.Depth, nclasses)

	for k := 0; k < nclasses; k++ {
		ssq := math.Max(sigmasq[k], varianceFloor)
		plane := nll.Plane(k)

		m.be.Copy(plane, vol.Data)
		m.be.AddConst(plane, -mu[k])
		m.be.MulTo(plane, plane, plane)
		m.be.Scale(plane, 1/(2*ssq))
		m.be.AddConst(plane, 0.5*math.Log(2*math.Pi*ssq))
	}

	return nll
}

// SegStats computes the empirical mean and standard deviation of the voxels
// assigned to each class by a hard segmentation.
//
// A class with no assigned voxels has no defined statistics; its entries are
// returned as NaN and the error wraps ErrDegenerateClass, naming the empty
// classes. The caller decides whether to abort or substitute fallback
// parameters for the NaN entries.
func (m *ObservationModel) SegStats(vol *Volume, seg *Segmentation, nclasses int) (mu, sigma []float64, err error) {
	mu = make([]float64, nclasses)
	sigma = make([]float64, nclasses)

	vals := make([][]float64, nclasses)
	for i, x := range vol.Data {
		k := seg.Labels[i]
		vals[k] = append(vals[k], x)
	}

	var empty []int
	for k := 0; k < nclasses; k++ {
		if len(vals[k]) == 0 {
			mu[k] = math.NaN()
			sigma[k] = math.NaN()
			empty = append(empty, k)
			continue
		}
		mu[k] = stat.Mean(vals[k], nil)
		sigma[k] = stat.PopStdDev(vals[k], nil)
	}

	if len(empty) > 0 {
		return mu, sigma, fmt.Errorf("%w: no voxels assigned to classes %v", ErrDegenerateClass, empty)
	}
	return mu, sigma, nil
}

// ProbImage combines the Gaussian likelihood of each voxel under the current
// class parameters with the supplied spatial prior and normalizes the result
// per voxel, producing the posterior (partial volume) field of the E-step.
func (m *ObservationModel) ProbImage(vol *Volume, nclasses int, mu, sigmasq []float64, prior *Field) *Field {
	post := NewField(vol.Width, vol.Height, vol.Depth, nclasses)
	n := post.VoxelCount()

	for k := 0; k < nclasses; k++ {
		ssq := math.Max(sigmasq[k], varianceFloor)
		plane := post.Plane(k)

		// Gaussian density exp(-(x-mu)^2 / (2*sigmasq)) / sqrt(2*pi*sigmasq).
		m.be.Copy(plane, vol.Data)
		m.be.AddConst(plane, -mu[k])
		m.be.MulTo(plane, plane, plane)
		m.be.Scale(plane, -1/(2*ssq))
		m.be.Exp(plane)
		m.be.Scale(plane, 1/math.Sqrt(2*math.Pi*ssq))

		m.be.MulTo(plane, plane, prior.Plane(k))
	}

	total := make([]float64, n)
	for k := 0; k < nclasses; k++ {
		m.be.Add(total, post.Plane(k))
	}
	m.be.ClampMin(total, normFloor)
	for k := 0; k < nclasses; k++ {
		plane := post.Plane(k)
		m.be.DivTo(plane, plane, total)
	}

	return post
}

// UpdateParam re-estimates each class's mean as the posterior-weighted
// average intensity and its variance as the posterior-weighted squared
// deviation from that mean (the M-step). Classes whose total posterior
// weight falls below the weight floor retain their previous parameters.
func (m *ObservationModel) UpdateParam(vol *Volume, posterior *Field, prevMu, prevSigmasq []float64, nclasses int) (mu, sigmasq []float64) {
	mu = make([]float64, nclasses)
	sigmasq = make([]float64, nclasses)

	n := posterior.VoxelCount()
	tmp := make([]float64, n)

	for k := 0; k < nclasses; k++ {
		plane := posterior.Plane(k)
		weight := m.be.Sum(plane)
		if weight < weightFloor {
			mu[k] = prevMu[k]
			sigmasq[k] = math.Max(prevSigmasq[k], varianceFloor)
			continue
		}

		m.be.MulTo(tmp, plane, vol.Data)
		mu[k] = m.be.Sum(tmp) / weight

		m.be.Copy(tmp, vol.Data)
		m.be.AddConst(tmp, -mu[k])
		m.be.MulTo(tmp, tmp, tmp)
		m.be.MulTo(tmp, tmp, plane)
		sigmasq[k] = math.Max(m.be.Sum(tmp)/weight, varianceFloor)
	}

	return mu, sigmasq
}
