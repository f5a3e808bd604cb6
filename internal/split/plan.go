// Package split partitions a byte stream into bounded-size parts.
//
// Plan is the pure batch contract over a known total size; Writer is
// the streaming counterpart that cuts an archive stream whose length
// is only discovered at EOF.
package split

import (
	"fmt"

	"backhaul/pkg/models"
)

// PartName returns the canonical file name for part index of an
// archive. The index is zero-padded so lexicographic order equals
// numeric order for up to 10000 parts.
func PartName(base string, index int) string {
	return fmt.Sprintf("%s.part%04d", base, index)
}

// Plan partitions total bytes into ceil(total/partSize) contiguous
// specs. Every part except the last has exactly partSize bytes; the
// last has the remainder, never zero. A zero total yields an empty
// plan.
func Plan(total, partSize int64) ([]models.PartSpec, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("%w: part size must be positive, got %d", models.ErrInvalidConfig, partSize)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: negative input size %d", models.ErrInvalidConfig, total)
	}
	if total == 0 {
		return nil, nil
	}

	count := int((total + partSize - 1) / partSize)
	specs := make([]models.PartSpec, 0, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * partSize
		length := partSize
		if remaining := total - offset; remaining < length {
			length = remaining
		}
		specs = append(specs, models.PartSpec{Index: i, Offset: offset, Length: length})
	}
	return specs, nil
}
