package core

import "context"

// TemplateStore retrieves template source by id.
type TemplateStore interface {
	// FetchTemplate returns ErrTemplateNotFound when no template has id.
	FetchTemplate(ctx context.Context, id string) (*Template, error)
}

// Propagator hands processed records to the downstream route.
type Propagator interface {
	Propagate(ctx context.Context, routeID string, records []Record) error
}
