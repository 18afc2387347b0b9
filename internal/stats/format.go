package stats

import "fmt"

var binaryUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// FormatRate renders a rate in bytes per second using binary units.
func FormatRate(bytesPerSecond float64) string {
	return format(bytesPerSecond, "/s")
}

// FormatTotal renders a byte count using binary units.
func FormatTotal(bytes uint64) string {
	return format(float64(bytes), "")
}

func format(value float64, suffix string) string {
	if value < 0 {
		value = 0
	}
	idx := 0
	for value >= 1024 && idx < len(binaryUnits)-1 {
		value /= 1024
		idx++
	}
	if idx == 0 {
		return fmt.Sprintf("%.0f %s%s", value, binaryUnits[idx], suffix)
	}
	return fmt.Sprintf("%.1f %s%s", value, binaryUnits[idx], suffix)
}
