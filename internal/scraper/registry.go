package scraper

import (
	"context"
	"fmt"
	"strings"
)

// Registry maps source ids to scrapers. Disabled sources are declared but fail fast.
type Registry struct {
	scrapers map[SourceID]Scraper
	disabled map[SourceID]struct{}
}

// NewRegistry registers the given scrapers. github and cve are always declared disabled.
func NewRegistry(scrapers ...Scraper) *Registry {
	r := &Registry{
		scrapers: make(map[SourceID]Scraper, len(scrapers)),
		disabled: map[SourceID]struct{}{
			SourceGitHub: {},
			SourceCVE:    {},
		},
	}
	for _, s := range scrapers {
		r.scrapers[s.Source()] = s
		delete(r.disabled, s.Source())
	}
	return r
}

// Resolve returns the scraper for id.
func (r *Registry) Resolve(id SourceID) (Scraper, error) {
	if s, ok := r.scrapers[id]; ok {
		return s, nil
	}
	if _, ok := r.disabled[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceDisabled, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
}

// Dispatch runs the scraper registered for id.
func (r *Registry) Dispatch(ctx context.Context, id SourceID, query string) (*Result, error) {
	s, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return s.Scrape(ctx, query)
}

// Enabled lists the ids with a backing implementation.
func (r *Registry) Enabled() []SourceID {
	var ids []SourceID
	for _, id := range []SourceID{SourceOfficial, SourceStackOverflow, SourceSnyk, SourceGitHub, SourceCVE} {
		if _, ok := r.scrapers[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// ParseSourceID normalizes user input into a SourceID without validating it.
func ParseSourceID(s string) SourceID {
	return SourceID(strings.ToLower(strings.TrimSpace(s)))
}
