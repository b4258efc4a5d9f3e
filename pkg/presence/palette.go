package presence

import "github.com/lucasb-eyer/go-colorful"

// Palette returns the deterministic color pair assigned to the i-th peer of a
// document: a saturated selection color and a light variant for the range
// background. Hues step around the wheel by a golden-angle-ish stride so that
// neighbouring sessions stay visually distinct.
func Palette(i int) (color, colorLight string) {
	hue := float64((i * 137) % 360)
	return colorful.Hsv(hue, 0.70, 0.85).Hex(), colorful.Hsv(hue, 0.25, 0.97).Hex()
}
