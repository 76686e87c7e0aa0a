package segmentation

import "errors"

var (
	// ErrInvalidParameter reports a classification parameter or input volume
	// rejected before any processing starts.
	ErrInvalidParameter = errors.New("segmentation: invalid parameter")

	// ErrDegenerateClass reports a class that received no voxels during
	// statistics re-estimation, leaving its mean and variance undefined.
	ErrDegenerateClass = errors.New("segmentation: degenerate class")
)
