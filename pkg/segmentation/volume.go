package segmentation

// Volume is a 3D scalar field stored as a flat slice in row-major order:
// index = z*Width*Height + y*Width + x.
type Volume struct {
	// Data is the voxel intensities as a 1D array in row-major order.
	Data []float64

	// Width, Height and Depth are the volume dimensions in voxels.
	Width  int
	Height int
	Depth  int
}

// NewVolume allocates a zeroed volume with the given dimensions.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Len returns the number of voxels.
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// Index returns the flat index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the intensity at (x, y, z).
func (v *Volume) At(x, y, z int) float64 { return v.Data[v.Index(x, y, z)] }

// Set stores an intensity at (x, y, z).
func (v *Volume) Set(x, y, z int, val float64) { v.Data[v.Index(x, y, z)] = val }

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := NewVolume(v.Width, v.Height, v.Depth)
	copy(out.Data, v.Data)
	return out
}

// Segmentation is a 3D hard label map with the same layout as Volume.
// Labels are class indices in [0, K).
type Segmentation struct {
	Labels []int

	Width  int
	Height int
	Depth  int
}

// NewSegmentation allocates a zero-labeled segmentation.
func NewSegmentation(width, height, depth int) *Segmentation {
	return &Segmentation{
		Labels: make([]int, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
}

// Index returns the flat index of voxel (x, y, z).
func (s *Segmentation) Index(x, y, z int) int {
	return z*s.Width*s.Height + y*s.Width + x
}

// At returns the label at (x, y, z).
func (s *Segmentation) At(x, y, z int) int { return s.Labels[s.Index(x, y, z)] }

// Set stores a label at (x, y, z).
func (s *Segmentation) Set(x, y, z, label int) { s.Labels[s.Index(x, y, z)] = label }

// Clone returns a deep copy of the segmentation.
func (s *Segmentation) Clone() *Segmentation {
	out := NewSegmentation(s.Width, s.Height, s.Depth)
	copy(out.Labels, s.Labels)
	return out
}

// Field is a per-voxel, per-class scalar field (volume shape x K). It is
// stored class-major: K contiguous planes of Width*Height*Depth voxels, so
// per-class operations run over contiguous memory and map directly onto the
// backend's elementwise capability set.
type Field struct {
	Data []float64

	Width   int
	Height  int
	Depth   int
	Classes int
}

// NewField allocates a zeroed field for nclasses classes.
func NewField(width, height, depth, nclasses int) *Field {
	return &Field{
		Data:    make([]float64, width*height*depth*nclasses),
		Width:   width,
		Height:  height,
		Depth:   depth,
		Classes: nclasses,
	}
}

// VoxelCount returns the number of voxels in one class plane.
func (f *Field) VoxelCount() int { return f.Width * f.Height * f.Depth }

// Plane returns the contiguous slice holding class k's values for every voxel.
func (f *Field) Plane(k int) []float64 {
	n := f.VoxelCount()
	return f.Data[k*n : (k+1)*n]
}

// At returns the value for class k at voxel (x, y, z).
func (f *Field) At(x, y, z, k int) float64 {
	return f.Plane(k)[z*f.Width*f.Height+y*f.Width+x]
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() *Field {
	out := NewField(f.Width, f.Height, f.Depth, f.Classes)
	copy(out.Data, f.Data)
	return out
}

// DropBackground returns a copy of the field without class plane 0. The
// returned field has Classes-1 planes, with plane k holding the values of
// original class k+1.
func (f *Field) DropBackground() *Field {
	out := NewField(f.Width, f.Height, f.Depth, f.Classes-1)
	copy(out.Data, f.Data[f.VoxelCount():])
	return out
}
