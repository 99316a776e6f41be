package ledger

import (
	"strings"

	"github.com/wamigrate/wamigrate/internal/models"
)

// Archive is an optional SQL mirror of attempt history and run summaries,
// used for cross-run reporting. The file ledger remains the sole source of
// truth; archive write failures are logged by the caller, never fatal.
type Archive interface {
	// RecordAttempt mirrors one ledger entry under the given run id.
	RecordAttempt(runID string, entry models.LedgerEntry) error
	// RecordSummary upserts the run summary snapshot.
	RecordSummary(summary models.ProgressSummary) error
	// Close releases the underlying database connection.
	Close() error
}

// ArchiveOpts holds configuration options for archive backends.
type ArchiveOpts struct {
	DSN string
}

// ArchiveOption defines a configuration option for archive backends.
type ArchiveOption func(*ArchiveOpts)

// WithDSN sets the archive database connection string.
func WithDSN(dsn string) ArchiveOption {
	return func(o *ArchiveOpts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (assumed to be a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// NewArchive constructs the archive backend matching the DSN type.
func NewArchive(dsn string) (Archive, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresArchive(WithDSN(dsn))
	}
	return NewSQLiteArchive(WithDSN(dsn))
}
