package domain

import "time"

// ListFilter narrows a task listing. Zero values mean "no constraint".
type ListFilter struct {
	Title           string
	Priority        Priority
	Status          Status
	StartedAfter    *time.Time
	StartedBefore   *time.Time
	CompletedAfter  *time.Time
	CompletedBefore *time.Time
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page selects a window of results. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page into its valid range.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}
