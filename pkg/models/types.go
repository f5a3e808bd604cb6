package models

import "time"

// SourceStats summarizes the tree a run will archive. TotalBytes counts
// regular files only; symlinks are recorded, not followed.
type SourceStats struct {
	Root       string `json:"root"`
	Files      int    `json:"files"`
	Dirs       int    `json:"dirs"`
	Symlinks   int    `json:"symlinks"`
	TotalBytes int64  `json:"total_bytes"`
}

// PartSpec is one entry of a partition plan. Indexes are zero-based and
// contiguous; offsets/lengths cover the input exactly with no overlap.
type PartSpec struct {
	Index  int   `json:"index"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// PartArtifact is a part that has been materialized in the staging
// directory. Name carries the zero-padded index so lexicographic order
// equals numeric order.
type PartArtifact struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// TransferResult records the outcome of uploading one part.
type TransferResult struct {
	Part       PartArtifact  `json:"part"`
	RemotePath string        `json:"remote_path,omitempty"`
	BytesSent  int64         `json:"bytes_sent"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Error      string        `json:"error,omitempty"`
}

// RunState names the phase a run is in. Terminal states are Done,
// Failed and Cancelled.
type RunState string

const (
	StateIdle         RunState = "idle"
	StateArchiving    RunState = "archiving"
	StateTransferring RunState = "transferring"
	StateFinalizing   RunState = "finalizing"
	StateDone         RunState = "done"
	StateFailed       RunState = "failed"
	StateCancelled    RunState = "cancelled"
)

// RunReport is produced for every run, including failed and cancelled
// ones. LastGoodPart is the highest index of the fully transferred
// prefix (-1 when no part arrived); it is the marker an operator needs
// to resume by hand.
type RunReport struct {
	RunID         string           `json:"run_id"`
	State         RunState         `json:"state"`
	Success       bool             `json:"success"`
	ErrorKind     string           `json:"error_kind,omitempty"`
	ErrorDetail   string           `json:"error_detail,omitempty"`
	Source        SourceStats      `json:"source"`
	ArchiveName   string           `json:"archive_name"`
	ArchiveBytes  int64            `json:"archive_bytes"`
	ArchiveSHA256 string           `json:"archive_sha256,omitempty"`
	PartSize      int64            `json:"part_size"`
	PartCount     int              `json:"part_count"`
	LastGoodPart  int              `json:"last_good_part"`
	BytesSent     int64            `json:"bytes_sent"`
	SourceChanged []string         `json:"source_changed,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Elapsed       time.Duration    `json:"elapsed_ns"`
	Results       []TransferResult `json:"results"`
}
