// Package noise generates synthetic measurement noise for volumetric data.
// The segmentation pipeline uses it to perturb exact-zero voxels so no
// intensity class collapses to zero variance.
package noise

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Type selects the noise model applied to a signal.
type Type int

const (
	// Gaussian adds zero-mean normal noise to the signal.
	Gaussian Type = iota

	// Rician models magnitude images: the noisy value is the magnitude of
	// the signal plus independent normal noise on two channels.
	Rician

	// Rayleigh adds the magnitude of two independent normal samples.
	Rayleigh
)

func (t Type) String() string {
	switch t {
	case Gaussian:
		return "gaussian"
	case Rician:
		return "rician"
	case Rayleigh:
		return "rayleigh"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ErrUnknownType is returned when a Type outside the defined set is used.
var ErrUnknownType = errors.New("noise: unknown noise type")

// AddNoise returns a noisy copy of signal. The noise standard deviation is
// s0/snr, where s0 is the reference signal amplitude and snr the desired
// signal-to-noise ratio. The input slice is not modified.
func AddNoise(signal []float64, snr, s0 float64, nt Type) ([]float64, error) {
	src := rand.NewSource(uint64(time.Now().UnixNano()))
	return AddNoiseWithSource(signal, snr, s0, nt, src)
}

// AddNoiseWithSource is AddNoise with an explicit random source, for
// reproducible output.
func AddNoiseWithSource(signal []float64, snr, s0 float64, nt Type, src rand.Source) ([]float64, error) {
	if snr <= 0 {
		return nil, fmt.Errorf("noise: snr must be positive, got %g", snr)
	}
	if s0 <= 0 {
		return nil, fmt.Errorf("noise: reference signal s0 must be positive, got %g", s0)
	}

	dist := distuv.Normal{Mu: 0, Sigma: s0 / snr, Src: src}
	out := make([]float64, len(signal))

	switch nt {
	case Gaussian:
		for i, v := range signal {
			out[i] = v + dist.Rand()
		}
	case Rician:
		for i, v := range signal {
			n1 := dist.Rand()
			n2 := dist.Rand()
			out[i] = math.Hypot(v+n1, n2)
		}
	case Rayleigh:
		for i, v := range signal {
			n1 := dist.Rand()
			n2 := dist.Rand()
			out[i] = v + math.Hypot(n1, n2)
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, nt)
	}

	return out, nil
}
