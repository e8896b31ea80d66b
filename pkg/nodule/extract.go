// Package nodule turns a binary segmentation mask into discrete, measured,
// risk-stratified nodules: connected-component labeling, geometric
// measurement, volume filtering, and per-nodule re-classification through the
// model's classification head.
package nodule

import (
	"sort"

	"github.com/Kowshik4593/health-atm/internal/models"
)

// DefaultMinVolumeMM3 is the inclusive minimum physical volume a component
// must reach to be kept as a nodule.
const DefaultMinVolumeMM3 = 10.0

// neighbors26 enumerates the full 3D neighborhood including diagonals.
var neighbors26 = buildNeighbors26()

func buildNeighbors26() [][3]int {
	var n [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && dy == 0 && dx == 0 {
					continue
				}
				n = append(n, [3]int{dz, dy, dx})
			}
		}
	}
	return n
}

// Extract labels connected components in the binary mask and returns one
// nodule per surviving component.
//
// Labeling uses full 26-connectivity: foreground voxels touching at faces,
// edges or corners merge into one component. Components whose physical volume
// (voxel count x voxel volume from spacing) falls strictly below minVolumeMM3
// are discarded; a component exactly at the threshold is kept. Survivors are
// sorted by descending physical volume and assigned dense ids starting at 1,
// so the id reflects presentation order, not detection order.
//
// An empty mask yields an empty list; extraction has no recoverable failure
// mode.
func Extract(mask []uint8, shape [3]int, spacing [3]float64, minVolumeMM3 float64) []models.Nodule {
	depth, height, width := shape[0], shape[1], shape[2]
	voxelVol := spacing[0] * spacing[1] * spacing[2]

	labels := make([]int32, len(mask))
	var nodules []models.Nodule
	var stack [][3]int

	next := int32(0)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				idx := z*height*width + y*width + x
				if mask[idx] == 0 || labels[idx] != 0 {
					continue
				}
				next++

				// Flood-fill this component, accumulating geometry as
				// voxels are claimed.
				count := 0
				var sumZ, sumY, sumX float64
				minB := [3]int{z, y, x}
				maxB := [3]int{z, y, x}

				stack = append(stack[:0], [3]int{z, y, x})
				labels[idx] = next
				for len(stack) > 0 {
					v := stack[len(stack)-1]
					stack = stack[:len(stack)-1]

					count++
					sumZ += float64(v[0])
					sumY += float64(v[1])
					sumX += float64(v[2])
					for a := 0; a < 3; a++ {
						if v[a] < minB[a] {
							minB[a] = v[a]
						}
						if v[a] > maxB[a] {
							maxB[a] = v[a]
						}
					}

					for _, d := range neighbors26 {
						nz, ny, nx := v[0]+d[0], v[1]+d[1], v[2]+d[2]
						if nz < 0 || nz >= depth || ny < 0 || ny >= height || nx < 0 || nx >= width {
							continue
						}
						nidx := nz*height*width + ny*width + nx
						if mask[nidx] == 0 || labels[nidx] != 0 {
							continue
						}
						labels[nidx] = next
						stack = append(stack, [3]int{nz, ny, nx})
					}
				}

				volumeMM3 := float64(count) * voxelVol
				if volumeMM3 < minVolumeMM3 {
					continue
				}

				extents := [3]float64{
					float64(maxB[0]-minB[0]) * spacing[0],
					float64(maxB[1]-minB[1]) * spacing[1],
					float64(maxB[2]-minB[2]) * spacing[2],
				}
				longAxis := extents[0]
				for _, e := range extents[1:] {
					if e > longAxis {
						longAxis = e
					}
				}

				nodules = append(nodules, models.Nodule{
					Centroid: [3]float64{
						sumZ / float64(count),
						sumY / float64(count),
						sumX / float64(count),
					},
					BBox: models.BoundingBox{
						Z: [2]int{minB[0], maxB[0]},
						Y: [2]int{minB[1], maxB[1]},
						X: [2]int{minB[2], maxB[2]},
					},
					VoxelCount:  count,
					VolumeMM3:   volumeMM3,
					LongAxisMM:  longAxis,
					GradCAMPath: models.PathNotAvailable,
				})
			}
		}
	}

	// Presentation order: largest first. Stable sort keeps raster scan
	// order deterministic for equal volumes.
	sort.SliceStable(nodules, func(i, j int) bool {
		return nodules[i].VolumeMM3 > nodules[j].VolumeMM3
	})
	for i := range nodules {
		nodules[i].ID = i + 1
	}
	return nodules
}
