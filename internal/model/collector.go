package model

// Collector receives connections removed from the tracking table for final
// bookkeeping. Implementations must not retain assumptions about the table
// after Collect returns.
type Collector interface {
	// Collect hands over one finished or expired connection.
	Collect(conn Connection) error

	// Close flushes any buffered state and releases resources.
	Close() error
}
