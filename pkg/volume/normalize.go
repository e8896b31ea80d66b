package volume

import "github.com/Kowshik4593/health-atm/internal/models"

// Default diagnostic intensity window in Hounsfield units, spanning air
// through soft tissue.
const (
	DefaultHUMin = -1000.0
	DefaultHUMax = 400.0
)

// Normalize maps Hounsfield intensities into [0,1] by clipping to the
// [huMin, huMax] window and scaling linearly. Values outside the window are
// clamped, not dropped. The input volume is left untouched.
func Normalize(vol *models.Volume, huMin, huMax float64) *models.Volume {
	out := models.NewVolume(vol.Depth, vol.Height, vol.Width, vol.Spacing)
	scale := huMax - huMin
	for i, v := range vol.Data {
		n := (v - huMin) / scale
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		out.Data[i] = n
	}
	return out
}
