// Package segmentation implements unsupervised tissue classification of 3D
// structural volumes with a Hidden Markov Random Field model, solved by
// alternating Expectation-Maximization parameter re-estimation with Iterated
// Conditional Modes label updates.
package segmentation

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog"

	"hmrfseg/pkg/backend"
	"hmrfseg/pkg/noise"
)

const (
	// defaultTolerance is the early-stop tolerance used when none is given.
	defaultTolerance = 1e-5

	// defaultMaxIter is the iteration budget used when none is given.
	defaultMaxIter = 100

	// zeroSubstLevel and zeroSubstSNR parameterize the synthetic noise that
	// replaces exact-zero voxels during likelihood evaluation, preventing a
	// zero-variance background class.
	zeroSubstLevel = 0.001
	zeroSubstSNR   = 10000

	// energySeed is the first entry of the convergence history.
	energySeed = 1e-5

	// convergenceStride and convergenceWindow control the stopping test: the
	// spread of the last convergenceWindow history entries is compared
	// against the tolerance every convergenceStride iterations.
	convergenceStride = 10
	convergenceWindow = 5
)

// Status is the terminal state of a classification run. Both values are
// normal, non-error exits.
type Status int

const (
	// Converged means the energy stopping test fired before the iteration
	// budget was exhausted.
	Converged Status = iota

	// MaxIterReached means the loop ran its full iteration budget.
	MaxIterReached
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case MaxIterReached:
		return "max iterations reached"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Params holds the classification parameters.
type Params struct {
	// NumClasses is the number of foreground tissue classes (>= 1). One
	// extra class is added internally for the background, so the working
	// label range is [0, NumClasses+1).
	NumClasses int

	// Beta is the spatial smoothing weight (>= 0); higher values produce
	// smoother segmentations.
	Beta float64

	// Tolerance controls early stopping. Zero means unset: the default of
	// 1e-5 applies unless MaxIter alone is set, in which case early
	// stopping is disabled and the loop runs exactly MaxIter iterations.
	Tolerance float64

	// MaxIter is the iteration budget. Zero means unset (default 100).
	MaxIter int

	// Verbose enables per-iteration progress logging. Purely observational.
	Verbose bool

	// Backend names the numeric backend to run on. Empty selects the
	// process default.
	Backend string
}

// History is a caller-owned buffer of per-iteration snapshots. When attached
// to a classifier it is cleared at the start of every Classify call and
// filled with deep copies, one entry per completed iteration.
type History struct {
	Segmentations []*Segmentation
	PVEs          []*Field
	Energies      []*Volume
	EnergySums    []float64
}

// Reset drops all recorded snapshots.
func (h *History) Reset() {
	h.Segmentations = h.Segmentations[:0]
	h.PVEs = h.PVEs[:0]
	h.Energies = h.Energies[:0]
	h.EnergySums = h.EnergySums[:0]
}

// Result bundles the outputs of a classification run.
type Result struct {
	// InitialSegmentation is the pure maximum-likelihood labeling computed
	// before any spatial regularization.
	InitialSegmentation *Segmentation

	// FinalSegmentation is the labeling after the last ICM sweep.
	FinalSegmentation *Segmentation

	// PVE is the partial volume estimate: per-voxel class probabilities
	// with the background channel dropped, so it has NumClasses planes.
	PVE *Field

	// Iterations is the number of EM/ICM iterations that ran.
	Iterations int

	// Status reports which terminal state ended the loop.
	Status Status
}

// Classifier runs the HMRF tissue classification pipeline.
type Classifier struct {
	params  *Params
	logger  zerolog.Logger
	history *History
}

// NewClassifier creates a classifier with the provided parameters. Parameter
// validation happens in Classify so that construction never fails.
func NewClassifier(params *Params) *Classifier {
	logger := zerolog.Nop()
	if params.Verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().
			Timestamp().
			Logger()
	}
	return &Classifier{
		params: params,
		logger: logger,
	}
}

// SetLogger replaces the classifier's logger.
func (c *Classifier) SetLogger(logger zerolog.Logger) { c.logger = logger }

// SetHistory attaches a caller-owned history buffer. Pass nil to disable
// snapshot recording (the default, to keep memory bounded).
func (c *Classifier) SetHistory(h *History) { c.history = h }

// Classify segments a 3D volume into NumClasses foreground classes plus
// background using the Maximum a Posteriori - Markov Random Field approach,
// alternating Iterated Conditional Modes sweeps with Expectation-Maximization
// parameter updates.
//
// The input volume is never modified; preprocessing (intensity normalization
// and zero-voxel noise substitution) operates on internal copies.
func (c *Classifier) Classify(image *Volume) (*Result, error) {
	if err := c.params.validate(); err != nil {
		return nil, err
	}
	if err := validateVolume(image); err != nil {
		return nil, err
	}

	be, err := c.resolveBackend()
	if err != nil {
		return nil, err
	}

	// One extra class for the background.
	nclasses := c.params.NumClasses + 1
	beta := c.params.Beta

	maxIter := c.params.MaxIter
	tolerance := c.params.Tolerance

	// Early stopping is disabled only when an iteration budget is given
	// without a tolerance: the caller asked for a fixed number of sweeps.
	allowBreak := !(maxIter != 0 && tolerance == 0)
	if maxIter == 0 {
		maxIter = defaultMaxIter
	}
	if tolerance == 0 {
		tolerance = defaultTolerance
	}

	com := NewObservationModel(be)
	icm := NewIteratedConditionalModes(be)

	norm := normalizeIntensities(image, be)

	mu, sigma := com.InitializeParamUniform(norm, nclasses)
	mu, sigma = sortByMean(be, mu, sigma)
	initMu, initSigma := mu, sigma

	sigmasq := squareAll(sigma)
	nll := com.NegLogLikelihood(norm, mu, sigmasq, nclasses)
	segInit := icm.InitializeMaximumLikelihood(nll)

	mu, sigma, err = com.SegStats(norm, segInit, nclasses)
	if err != nil {
		if !errors.Is(err, ErrDegenerateClass) {
			return nil, err
		}
		// Retain the uniform-bin estimates for classes the initial
		// labeling left empty rather than letting NaN reach the loop.
		c.logger.Warn().Err(err).Msg("retaining initial parameters for empty classes")
		for k := range mu {
			if math.IsNaN(mu[k]) {
				mu[k] = initMu[k]
				sigma[k] = initSigma[k]
			}
		}
	}
	sigmasq = squareAll(sigma)

	gauss, err := substituteZeroVoxels(norm, be)
	if err != nil {
		return nil, err
	}

	if c.history != nil {
		c.history.Reset()
	}

	energySums := []float64{energySeed}
	seg := segInit.Clone()

	var finalSeg *Segmentation
	var pve *Field
	status := MaxIterReached
	iterations := 0

	for i := 0; i < maxIter; i++ {
		iterations = i + 1
		c.logger.Info().Int("iteration", i).Msg("icm sweep")

		pln := icm.ProbNeighborhood(seg, beta, nclasses)
		pve = com.ProbImage(gauss, nclasses, mu, sigmasq, pln)

		muUpd, sigmasqUpd := com.UpdateParam(gauss, pve, mu, sigmasq, nclasses)
		muUpd, sigmasqUpd = sortByMean(be, muUpd, sigmasqUpd)

		nll = com.NegLogLikelihood(gauss, muUpd, sigmasqUpd, nclasses)

		var energy *Volume
		finalSeg, energy = icm.ICMIsing(nll, beta, seg)

		if allowBreak {
			energySums = append(energySums, sumFinite(energy.Data))
		}

		if c.history != nil {
			c.history.Segmentations = append(c.history.Segmentations, finalSeg.Clone())
			c.history.PVEs = append(c.history.PVEs, pve.Clone())
			c.history.Energies = append(c.history.Energies, energy.Clone())
			c.history.EnergySums = append(c.history.EnergySums, sumFinite(energy.Data))
		}

		seg = finalSeg
		mu = muUpd
		sigmasq = sigmasqUpd

		if allowBreak && i%convergenceStride == 0 && i != 0 {
			tol := tolerance * (be.Max(energySums) - be.Min(energySums))

			lo := len(energySums) - convergenceWindow
			if lo < 0 {
				lo = 0
			}
			window := energySums[lo:]
			testDist := math.Abs(be.Max(window) - be.Min(window))

			if testDist < tol {
				status = Converged
				break
			}
		}
	}

	c.logger.Info().
		Int("iterations", iterations).
		Stringer("status", status).
		Msg("classification finished")

	return &Result{
		InitialSegmentation: segInit,
		FinalSegmentation:   finalSeg,
		PVE:                 pve.DropBackground(),
		Iterations:          iterations,
		Status:              status,
	}, nil
}

func (p *Params) validate() error {
	if p.NumClasses < 1 {
		return fmt.Errorf("%w: nclasses must be >= 1, got %d", ErrInvalidParameter, p.NumClasses)
	}
	if p.Beta < 0 {
		return fmt.Errorf("%w: beta must be >= 0, got %g", ErrInvalidParameter, p.Beta)
	}
	if p.Tolerance < 0 {
		return fmt.Errorf("%w: tolerance must be positive, got %g", ErrInvalidParameter, p.Tolerance)
	}
	if p.MaxIter < 0 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", ErrInvalidParameter, p.MaxIter)
	}
	return nil
}

func validateVolume(v *Volume) error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrInvalidParameter)
	}
	if v.Width < 1 || v.Height < 1 || v.Depth < 1 {
		return fmt.Errorf("%w: volume dimensions %dx%dx%d", ErrInvalidParameter, v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("%w: volume has %d voxels, dimensions imply %d", ErrInvalidParameter, len(v.Data), v.Len())
	}
	return nil
}

func (c *Classifier) resolveBackend() (backend.Backend, error) {
	if c.params.Backend == "" {
		return backend.Default(), nil
	}
	be, err := backend.Get(c.params.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return be, nil
}

// normalizeIntensities returns a copy of the volume rescaled to [0, 1] when
// its maximum exceeds 1; otherwise the copy is returned unchanged.
func normalizeIntensities(image *Volume, be backend.Backend) *Volume {
	norm := image.Clone()
	if be.Max(norm.Data) <= 1 {
		return norm
	}

	be.AddConst(norm.Data, -be.Min(norm.Data))
	if max := be.Max(norm.Data); max > 0 {
		be.Scale(norm.Data, 1/max)
	}
	return norm
}

// substituteZeroVoxels returns a copy of the volume where exact-zero voxels
// are replaced by small-amplitude Gaussian noise around zeroSubstLevel. The
// copy is used for likelihood evaluation only, so no class can collapse to
// zero variance on a constant background.
func substituteZeroVoxels(norm *Volume, be backend.Backend) (*Volume, error) {
	level := make([]float64, len(norm.Data))
	be.Fill(level, zeroSubstLevel)

	zeroNoise, err := noise.AddNoise(level, zeroSubstSNR, 1, noise.Gaussian)
	if err != nil {
		return nil, fmt.Errorf("zero-voxel noise substitution: %w", err)
	}

	gauss := NewVolume(norm.Width, norm.Height, norm.Depth)
	be.WhereEq(gauss.Data, norm.Data, 0, zeroNoise)
	return gauss, nil
}

// sortByMean reorders the class means ascending and applies the same
// permutation to the companion parameter (sigma or sigmasq). Class identity
// is defined by intensity rank, so this must run after every re-estimation.
func sortByMean(be backend.Backend, mu, companion []float64) ([]float64, []float64) {
	order := be.Argsort(mu)
	muOut := make([]float64, len(mu))
	compOut := make([]float64, len(companion))
	for i, idx := range order {
		muOut[i] = mu[idx]
		compOut[i] = companion[idx]
	}
	return muOut, compOut
}

func squareAll(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v * v
	}
	return out
}

// sumFinite sums the energy map, skipping the -Inf entries that mark
// structurally excluded voxels.
func sumFinite(energy []float64) float64 {
	sum := 0.0
	for _, v := range energy {
		if math.IsInf(v, -1) {
			continue
		}
		sum += v
	}
	return sum
}
