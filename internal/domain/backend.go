package domain

import (
	"context"
	"sort"
)

// ExtractionBackend fetches remote media and converts it
type ExtractionBackend interface {
	// ProbeRenditions lists the renditions available for a locator
	ProbeRenditions(ctx context.Context, locator string) ([]Rendition, error)

	// Transfer downloads the selected rendition into outputDir.
	// Returning an error from progress aborts the transfer.
	Transfer(ctx context.Context, locator string, selector RenditionSelector, outputDir string, progress ProgressFunc) (TransferResult, error)

	// PostProcess converts filePath to the given audio codec and returns the new path
	PostProcess(ctx context.Context, filePath, codec, bitrate string) (string, error)
}

// Rendition is one format offered by the source
type Rendition struct {
	FormatID string `json:"format_id"`
	Ext      string `json:"ext,omitempty"`
	Height   int    `json:"height,omitempty"`
	HasVideo bool   `json:"has_video"`
	HasAudio bool   `json:"has_audio"`
}

// RenditionSelector describes which rendition to fetch
type RenditionSelector struct {
	AudioOnly bool
	MaxHeight int // 0 means no ceiling
}

// SelectorFor builds the rendition selector for a job
func SelectorFor(job Job) (RenditionSelector, error) {
	if job.TargetFormat == FormatAudioOnly {
		return RenditionSelector{AudioOnly: true}, nil
	}
	height, err := ParseQuality(job.TargetQuality)
	if err != nil {
		return RenditionSelector{}, NewValidationError("%v", err)
	}
	return RenditionSelector{MaxHeight: height}, nil
}

// TransferProgress is a raw progress sample from the backend
type TransferProgress struct {
	DownloadedBytes int64
	TotalBytes      int64 // 0 when unknown
	ETA             *int
	Phase           Phase
}

// ProgressFunc receives transfer progress samples
type ProgressFunc func(TransferProgress) error

// TransferResult describes a completed transfer
type TransferResult struct {
	FilePath string
	Title    string
}

// VideoHeights returns the distinct heights of renditions carrying video, ascending
func VideoHeights(renditions []Rendition) []int {
	seen := make(map[int]bool)
	var heights []int
	for _, r := range renditions {
		if !r.HasVideo || r.Height <= 0 || seen[r.Height] {
			continue
		}
		seen[r.Height] = true
		heights = append(heights, r.Height)
	}
	sort.Ints(heights)
	return heights
}
