package models

import (
	"regexp"
	"strings"
)

// Location represents a geographic location with latitude and longitude
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StoreRecord is a store as supplied by a candidate source. The embedded
// Location keeps lat/lon flat on the wire.
type StoreRecord struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Address *string `json:"address"`
	Location
}

// RankedStore is a store together with its distance (km) from a query point
type RankedStore struct {
	StoreRecord
	Distance float64 `json:"distance"`
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft Location
	TopRight   Location
}

// PostalAddress holds the structured components of a store address
type PostalAddress struct {
	Line1              string
	Line2              string
	Locality           string
	AdministrativeArea string
	PostalCode         string
	CountryCode        string
}

var whitespace = regexp.MustCompile(`\s+`)

// Format renders the address on a single line, or returns nil when every
// component is empty.
func (a PostalAddress) Format() *string {
	street := strings.TrimSpace(a.Line1 + " " + a.Line2)
	parts := make([]string, 0, 5)
	for _, part := range []string{street, a.Locality, a.AdministrativeArea, a.PostalCode, a.CountryCode} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	s := whitespace.ReplaceAllString(strings.Join(parts, ", "), " ")
	return &s
}

// StringPtr returns nil for an empty string
func StringPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
