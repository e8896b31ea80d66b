package nodule

// EstimateLobe maps a centroid to a coarse anatomical lobe label using a
// quadrant heuristic: a depth position in the upper 40% of the axis is
// "upper", a column position past the midline is "right". Labels are the four
// lobe abbreviations RUL, LUL, RLL, LLL.
//
// This reproduces a deterministic placeholder rule, not a clinically
// validated lobe segmentation.
func EstimateLobe(centroid [3]float64, shape [3]int) string {
	isUpper := centroid[0] < float64(shape[0])*0.4
	isRight := centroid[2] > float64(shape[2])*0.5

	switch {
	case isUpper && isRight:
		return "RUL"
	case isUpper:
		return "LUL"
	case isRight:
		return "RLL"
	default:
		return "LLL"
	}
}
