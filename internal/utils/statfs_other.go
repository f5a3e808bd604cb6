//go:build !linux && !darwin

package utils

// FreeSpace returns -1 on platforms without a statfs binding; callers
// treat a negative value as unknown and skip the space check.
func FreeSpace(dir string) (int64, error) {
	return -1, nil
}
