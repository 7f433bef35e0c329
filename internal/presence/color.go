package presence

import "fmt"

// colorFor derives a stable display color from a client ID: fold the ID
// into a wrapping 32-bit polynomial hash, reduce to a hue, fixed
// saturation/lightness. The same ID always yields the same color; distinct
// IDs usually look distinct, nothing stronger is promised.
func colorFor(clientID string) string {
	var hash int32
	for _, r := range clientID {
		hash = int32(r) + (hash << 5) - hash
	}
	hue := int(hash) % 360
	if hue < 0 {
		hue += 360
	}
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", hue)
}
