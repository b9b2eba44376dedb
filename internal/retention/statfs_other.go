//go:build !linux

package retention

import "fmt"

// statfsUsage has no portable implementation outside Linux; LightNVR targets
// Linux-based NVR appliances (matching the teacher's own deployment target),
// so non-Linux builds report an explicit error rather than a silently wrong
// usage figure.
func statfsUsage(path string) (float64, error) {
	return 0, fmt.Errorf("retention: disk usage statistics unsupported on this platform")
}
