package segmentation

import (
	"errors"
	"math"
	"testing"

	"hmrfseg/pkg/backend"
)

// makeRampVolume fills a volume with intensities increasing linearly from
// lo to hi across the flat voxel index.
func makeRampVolume(w, h, d int, lo, hi float64) *Volume {
	vol := NewVolume(w, h, d)
	n := vol.Len()
	for i := range vol.Data {
		vol.Data[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return vol
}

// TestInitializeParamUniform verifies that uniform-bin initialization spans
// the observed intensity range with non-negative spreads.
func TestInitializeParamUniform(t *testing.T) {
	vol := makeRampVolume(4, 4, 4, 0.0, 1.0)
	com := NewObservationModel(backend.Default())

	for _, nclasses := range []int{2, 3, 5} {
		mu, sigma := com.InitializeParamUniform(vol, nclasses)

		if len(mu) != nclasses || len(sigma) != nclasses {
			t.Fatalf("expected %d parameters, got %d means and %d sigmas", nclasses, len(mu), len(sigma))
		}

		for k := 0; k < nclasses; k++ {
			if mu[k] < 0.0 || mu[k] > 1.0 {
				t.Errorf("nclasses=%d: mu[%d]=%f outside observed range [0,1]", nclasses, k, mu[k])
			}
			if sigma[k] < 0 {
				t.Errorf("nclasses=%d: sigma[%d]=%f is negative", nclasses, k, sigma[k])
			}
		}

		// Bin means must increase with the bin index on a ramp.
		for k := 1; k < nclasses; k++ {
			if mu[k] <= mu[k-1] {
				t.Errorf("nclasses=%d: bin means not increasing: mu[%d]=%f <= mu[%d]=%f",
					nclasses, k, mu[k], k-1, mu[k-1])
			}
		}
	}
}

// TestNegLogLikelihoodGaussianForm checks that with equal variances the
// lowest cost class for a voxel is the one whose mean is closest to it.
func TestNegLogLikelihoodGaussianForm(t *testing.T) {
	vol := NewVolume(1, 1, 3)
	vol.Data = []float64{0.12, 0.48, 0.95}

	mu := []float64{0.1, 0.5, 0.9}
	sigmasq := []float64{0.01, 0.01, 0.01}

	com := NewObservationModel(backend.Default())
	nll := com.NegLogLikelihood(vol, mu, sigmasq, 3)

	expected := []int{0, 1, 2}
	for i := range vol.Data {
		best, bestCost := 0, math.Inf(1)
		for k := 0; k < 3; k++ {
			if c := nll.Plane(k)[i]; c < bestCost {
				best, bestCost = k, c
			}
		}
		if best != expected[i] {
			t.Errorf("voxel %d (intensity %f): argmin class %d, want %d", i, vol.Data[i], best, expected[i])
		}
	}
}

// TestNegLogLikelihoodZeroVarianceGuard verifies the variance floor keeps the
// cost finite for a degenerate (zero variance) class.
func TestNegLogLikelihoodZeroVarianceGuard(t *testing.T) {
	vol := NewVolume(2, 2, 2)
	com := NewObservationModel(backend.Default())

	nll := com.NegLogLikelihood(vol, []float64{0, 0.5}, []float64{0, 0}, 2)
	for i, v := range nll.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("non-finite negative log-likelihood at %d: %v", i, v)
		}
	}
}

// TestSegStatsRoundTrip labels a two-level volume by maximum likelihood and
// checks that the recovered statistics match the empirical ones.
func TestSegStatsRoundTrip(t *testing.T) {
	vol := NewVolume(2, 2, 2)
	vol.Data = []float64{0.1, 0.1, 0.12, 0.08, 0.9, 0.9, 0.88, 0.92}

	com := NewObservationModel(backend.Default())
	icm := NewIteratedConditionalModes(backend.Default())

	mu := []float64{0.1, 0.9}
	sigmasq := []float64{0.01, 0.01}

	nll := com.NegLogLikelihood(vol, mu, sigmasq, 2)
	seg := icm.InitializeMaximumLikelihood(nll)

	gotMu, gotSigma, err := com.SegStats(vol, seg, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantMu := []float64{0.1, 0.9}
	wantSigma := math.Sqrt((0.02*0.02 + 0.02*0.02) / 4.0)

	for k := 0; k < 2; k++ {
		if math.Abs(gotMu[k]-wantMu[k]) > 1e-12 {
			t.Errorf("class %d mean: got %f, want %f", k, gotMu[k], wantMu[k])
		}
		if math.Abs(gotSigma[k]-wantSigma) > 1e-12 {
			t.Errorf("class %d sigma: got %f, want %f", k, gotSigma[k], wantSigma)
		}
	}
}

// TestSegStatsDegenerateClass verifies that a class with no assigned voxels
// surfaces as an explicit error with NaN parameters, not silent NaN.
func TestSegStatsDegenerateClass(t *testing.T) {
	vol := NewVolume(2, 2, 1)
	seg := NewSegmentation(2, 2, 1) // all voxels labeled 0, class 1 empty

	com := NewObservationModel(backend.Default())
	mu, sigma, err := com.SegStats(vol, seg, 2)

	if !errors.Is(err, ErrDegenerateClass) {
		t.Fatalf("expected ErrDegenerateClass, got %v", err)
	}
	if !math.IsNaN(mu[1]) || !math.IsNaN(sigma[1]) {
		t.Errorf("empty class parameters should be NaN, got mu=%f sigma=%f", mu[1], sigma[1])
	}
	if math.IsNaN(mu[0]) {
		t.Errorf("populated class mean should be defined, got NaN")
	}
}

// uniformPrior returns a spatial prior assigning 1/K to every class.
func uniformPrior(w, h, d, nclasses int) *Field {
	prior := NewField(w, h, d, nclasses)
	p := 1.0 / float64(nclasses)
	for i := range prior.Data {
		prior.Data[i] = p
	}
	return prior
}

// TestProbImageNormalized checks the posterior sums to 1 across classes for
// every voxel.
func TestProbImageNormalized(t *testing.T) {
	vol := makeRampVolume(3, 3, 3, 0.0, 1.0)
	com := NewObservationModel(backend.Default())

	mu := []float64{0.2, 0.5, 0.8}
	sigmasq := []float64{0.02, 0.02, 0.02}
	prior := uniformPrior(3, 3, 3, 3)

	post := com.ProbImage(vol, 3, mu, sigmasq, prior)

	for i := 0; i < post.VoxelCount(); i++ {
		sum := 0.0
		for k := 0; k < 3; k++ {
			v := post.Plane(k)[i]
			if v < 0 || v > 1 {
				t.Fatalf("posterior out of [0,1] at voxel %d class %d: %f", i, k, v)
			}
			sum += v
		}
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("posterior at voxel %d sums to %f, want 1", i, sum)
		}
	}
}

// TestUpdateParamRecoversMeans feeds a one-hot posterior and expects the
// M-step to reproduce the per-class empirical means.
func TestUpdateParamRecoversMeans(t *testing.T) {
	vol := NewVolume(2, 2, 1)
	vol.Data = []float64{0.1, 0.2, 0.8, 0.9}

	post := NewField(2, 2, 1, 2)
	post.Plane(0)[0], post.Plane(0)[1] = 1, 1
	post.Plane(1)[2], post.Plane(1)[3] = 1, 1

	com := NewObservationModel(backend.Default())
	mu, sigmasq := com.UpdateParam(vol, post, []float64{0, 0}, []float64{1, 1}, 2)

	if math.Abs(mu[0]-0.15) > 1e-12 {
		t.Errorf("class 0 mean: got %f, want 0.15", mu[0])
	}
	if math.Abs(mu[1]-0.85) > 1e-12 {
		t.Errorf("class 1 mean: got %f, want 0.85", mu[1])
	}

	wantVar := 0.05 * 0.05
	for k := 0; k < 2; k++ {
		if math.Abs(sigmasq[k]-wantVar) > 1e-12 {
			t.Errorf("class %d variance: got %g, want %g", k, sigmasq[k], wantVar)
		}
	}
}

// TestUpdateParamRetainsZeroWeightClass verifies that a class with no
// posterior mass keeps its previous parameters instead of going NaN.
func TestUpdateParamRetainsZeroWeightClass(t *testing.T) {
	vol := NewVolume(2, 1, 1)
	vol.Data = []float64{0.3, 0.7}

	post := NewField(2, 1, 1, 2)
	post.Plane(0)[0], post.Plane(0)[1] = 1, 1 // class 1 gets zero weight

	com := NewObservationModel(backend.Default())
	mu, sigmasq := com.UpdateParam(vol, post, []float64{0.5, 0.6}, []float64{0.01, 0.02}, 2)

	if mu[1] != 0.6 || sigmasq[1] != 0.02 {
		t.Errorf("zero-weight class must retain previous parameters, got mu=%f sigmasq=%f", mu[1], sigmasq[1])
	}
	if math.Abs(mu[0]-0.5) > 1e-12 {
		t.Errorf("class 0 mean: got %f, want 0.5", mu[0])
	}
}
