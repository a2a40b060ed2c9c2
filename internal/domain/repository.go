package domain

// JobRepository defines the interface for job history persistence
type JobRepository interface {
	// Save inserts or updates a job summary
	Save(summary *JobSummary) error

	// Delete deletes job summaries by ID
	Delete(ids ...string) error

	// FindAll finds job summaries matching the filter, ordered by submission
	FindAll(filter JobFilter) ([]*JobSummary, error)
}
