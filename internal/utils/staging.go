package utils

import (
	"fmt"
	"os"

	"backhaul/pkg/models"
)

// CheckStaging verifies the staging directory exists, is writable, and
// has at least need bytes free. One full part must fit locally before
// the stream starts cutting.
func CheckStaging(dir string, need int64) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: staging %s: %v", models.ErrDestinationUnwritable, dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: staging %s is not a directory", models.ErrDestinationUnwritable, dir)
	}

	probe, err := os.CreateTemp(dir, ".backhaul-probe-*")
	if err != nil {
		return fmt.Errorf("%w: staging %s is not writable: %v", models.ErrDestinationUnwritable, dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	free, err := FreeSpace(dir)
	if err != nil {
		return fmt.Errorf("%w: staging %s: %v", models.ErrDestinationUnwritable, dir, err)
	}
	if free >= 0 && free < need {
		return fmt.Errorf("%w: staging %s has %d bytes free, need %d",
			models.ErrDestinationUnwritable, dir, free, need)
	}
	return nil
}
