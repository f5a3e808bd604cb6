package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"backhaul/pkg/models"
	"backhaul/pkg/progress"
)

// WriteReport renders the run outcome for an operator.
func WriteReport(w io.Writer, r *models.RunReport) {
	fmt.Fprintf(w, "\nRun %s: %s\n", r.RunID, r.State)
	if r.Source.Root != "" {
		fmt.Fprintf(w, "Source:    %s (%d files, %s)\n",
			r.Source.Root, r.Source.Files, progress.HumanBytes(r.Source.TotalBytes))
	}
	if r.ArchiveName != "" {
		line := fmt.Sprintf("Archive:   %s (%s", r.ArchiveName, progress.HumanBytes(r.ArchiveBytes))
		if r.ArchiveSHA256 != "" {
			line += ", sha256 " + r.ArchiveSHA256[:12]
		}
		fmt.Fprintf(w, "%s)\n", line)
	}

	good := 0
	for _, res := range r.Results {
		if res.Error == "" {
			good++
		}
	}
	fmt.Fprintf(w, "Parts:     %d transferred of %d, last good part %d\n",
		good, r.PartCount, r.LastGoodPart)
	fmt.Fprintf(w, "Sent:      %s in %s\n",
		progress.HumanBytes(r.BytesSent), r.Elapsed.Round(time.Millisecond))

	if len(r.SourceChanged) > 0 {
		fmt.Fprintf(w, "Changed:   %d paths changed under the source during the run\n", len(r.SourceChanged))
	}
	for _, res := range r.Results {
		if res.Error != "" {
			fmt.Fprintf(w, "  part %04d failed after %d attempts: %s\n",
				res.Part.Index, res.Attempts, res.Error)
		}
	}
	if r.ErrorKind != "" {
		fmt.Fprintf(w, "Error:     [%s] %s\n", r.ErrorKind, r.ErrorDetail)
	}
}

// SaveReport writes the report as JSON for machine consumers.
func SaveReport(path string, r *models.RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
