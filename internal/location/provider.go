// Package location supplies best-effort coordinates for a voice turn. Advice
// quality improves with a location but nothing depends on having one.
package location

import (
	"context"

	"krishivoice/internal/domain"
)

// Static serves a fixed, operator-configured coordinate pair.
type Static struct {
	loc *domain.Location
}

// NewStatic returns a provider for the given coordinates. With no coordinates
// configured it yields nil and turns proceed without a location.
func NewStatic(loc *domain.Location) *Static {
	return &Static{loc: loc}
}

// Current implements ports.LocationProvider.
func (s *Static) Current(_ context.Context) *domain.Location {
	if s.loc == nil {
		return nil
	}
	out := *s.loc
	return &out
}
