// Package volume loads CT scan data into the canonical in-memory volume
// representation and normalizes intensities to the diagnostic window.
//
// Two scan sources are supported: a single preprocessed volume file, and a
// directory holding an ordered series of 2D slices described by a YAML
// manifest. Slice-series input is sorted by physical position along the depth
// axis before stacking, and the first slice's rescale slope/intercept is
// applied uniformly to all slices.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// InputError reports unreadable or absent scan data. It is fatal for a run
// and never retried.
type InputError struct {
	Path   string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %s: %s", e.Path, e.Reason)
}

// IsInputError reports whether err is (or wraps) an InputError.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// volumeMagic identifies the preprocessed volume file format: the magic is
// followed by three int32 dimensions [depth, rows, cols], three float64
// spacing values in mm, and depth*rows*cols little-endian float32 intensities.
var volumeMagic = [8]byte{'H', 'A', 'T', 'M', 'V', 'O', 'L', '1'}

// seriesManifest is the name of the YAML manifest inside a slice-series
// directory.
const seriesManifest = "series.yaml"

// Manifest describes a slice series: per-slice files of rows*cols
// little-endian int16 raw pixel values plus the acquisition geometry.
type Manifest struct {
	Rows         int        `yaml:"rows"`
	Cols         int        `yaml:"cols"`
	PixelSpacing [2]float64 `yaml:"pixelSpacing"`
	Slices       []struct {
		File     string  `yaml:"file"`
		Position float64 `yaml:"position"`

		// RescaleSlope and RescaleIntercept convert stored pixel values
		// to Hounsfield units. Only the first (lowest-position) slice's
		// values are applied, uniformly across the series.
		RescaleSlope     float64 `yaml:"rescaleSlope"`
		RescaleIntercept float64 `yaml:"rescaleIntercept"`
	} `yaml:"slices"`
}

// Load reads a scan from path. A directory is treated as a slice series, a
// regular file as a preprocessed volume.
func Load(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &InputError{Path: path, Reason: "scan data not found"}
	}
	if info.IsDir() {
		return LoadSliceSeries(path)
	}
	return LoadVolumeFile(path)
}

// LoadVolumeFile reads a preprocessed volume file.
func LoadVolumeFile(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InputError{Path: path, Reason: "cannot open volume file"}
	}
	defer f.Close()

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || magic != volumeMagic {
		return nil, &InputError{Path: path, Reason: "not a volume file (bad magic)"}
	}

	var dims [3]int32
	if err := binary.Read(f, binary.LittleEndian, &dims); err != nil {
		return nil, &InputError{Path: path, Reason: "truncated volume header"}
	}
	var spacing [3]float64
	if err := binary.Read(f, binary.LittleEndian, &spacing); err != nil {
		return nil, &InputError{Path: path, Reason: "truncated volume header"}
	}
	for i, d := range dims {
		if d <= 0 {
			return nil, &InputError{Path: path, Reason: fmt.Sprintf("non-positive dimension on axis %d", i)}
		}
	}
	for i, s := range spacing {
		if s <= 0 || math.IsNaN(s) {
			return nil, &InputError{Path: path, Reason: fmt.Sprintf("non-positive spacing on axis %d", i)}
		}
	}

	vol := models.NewVolume(int(dims[0]), int(dims[1]), int(dims[2]), spacing)
	raw := make([]float32, len(vol.Data))
	if err := binary.Read(f, binary.LittleEndian, raw); err != nil {
		return nil, &InputError{Path: path, Reason: "truncated voxel data"}
	}
	for i, v := range raw {
		vol.Data[i] = float64(v)
	}
	return vol, nil
}

// WriteVolumeFile persists a volume in the preprocessed file format.
func WriteVolumeFile(path string, vol *models.Volume) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create volume dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create volume file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(volumeMagic[:]); err != nil {
		return fmt.Errorf("write volume magic: %w", err)
	}
	dims := [3]int32{int32(vol.Depth), int32(vol.Height), int32(vol.Width)}
	if err := binary.Write(f, binary.LittleEndian, dims); err != nil {
		return fmt.Errorf("write volume dims: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, vol.Spacing); err != nil {
		return fmt.Errorf("write volume spacing: %w", err)
	}
	raw := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		raw[i] = float32(v)
	}
	if err := binary.Write(f, binary.LittleEndian, raw); err != nil {
		return fmt.Errorf("write voxel data: %w", err)
	}
	return nil
}

// LoadSliceSeries reads an ordered 2D slice series from dir. Slices are
// sorted by physical position along the depth axis before stacking; depth
// spacing is inferred from the distance between the first two sorted slices,
// so the series must hold at least two slices.
func LoadSliceSeries(dir string) (*models.Volume, error) {
	manifestPath := filepath.Join(dir, seriesManifest)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &InputError{Path: dir, Reason: "no readable slice manifest"}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &InputError{Path: manifestPath, Reason: fmt.Sprintf("malformed manifest: %v", err)}
	}
	if m.Rows <= 0 || m.Cols <= 0 {
		return nil, &InputError{Path: manifestPath, Reason: "non-positive slice dimensions"}
	}
	if len(m.Slices) < 2 {
		return nil, &InputError{Path: dir, Reason: "need at least 2 slices to infer spacing"}
	}
	if m.PixelSpacing[0] <= 0 || m.PixelSpacing[1] <= 0 {
		return nil, &InputError{Path: manifestPath, Reason: "non-positive pixel spacing"}
	}

	// Sort by physical position along the depth axis to maintain proper
	// anatomical ordering regardless of manifest order.
	sort.SliceStable(m.Slices, func(i, j int) bool {
		return m.Slices[i].Position < m.Slices[j].Position
	})

	thickness := math.Abs(m.Slices[1].Position - m.Slices[0].Position)
	if thickness <= 0 {
		return nil, &InputError{Path: dir, Reason: "duplicate slice positions, cannot infer depth spacing"}
	}

	// Rescale parameters come from the first slice and apply uniformly.
	slope := m.Slices[0].RescaleSlope
	if slope == 0 {
		slope = 1
	}
	intercept := m.Slices[0].RescaleIntercept

	spacing := [3]float64{thickness, m.PixelSpacing[0], m.PixelSpacing[1]}
	vol := models.NewVolume(len(m.Slices), m.Rows, m.Cols, spacing)

	pixels := make([]int16, m.Rows*m.Cols)
	for z, s := range m.Slices {
		slicePath := filepath.Join(dir, s.File)
		f, err := os.Open(slicePath)
		if err != nil {
			return nil, &InputError{Path: slicePath, Reason: "cannot open slice file"}
		}
		err = binary.Read(f, binary.LittleEndian, pixels)
		f.Close()
		if err != nil {
			return nil, &InputError{Path: slicePath, Reason: "truncated slice data"}
		}
		base := z * m.Rows * m.Cols
		for i, p := range pixels {
			vol.Data[base+i] = slope*float64(p) + intercept
		}
	}
	return vol, nil
}
