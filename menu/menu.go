package menu

import "strings"

// ContentKind classifies what a menu entry points at.
type ContentKind int

const (
	// NoContent means the entry carries no payload of its own; its children
	// (if any) are what the user gets.
	NoContent ContentKind = iota
	// UnderDevelopment is an explicit placeholder the admin put in.
	UnderDevelopment
	// ExternalURL means the entry's content is fetched from an HTTP endpoint.
	ExternalURL
)

// Content is the tagged form of a menu entry's url column. Legacy data mixes
// real NULLs with the literal strings "NULL" and an "in development" phrase;
// ParseContent folds all of them into one variant so nothing downstream has
// to compare sentinel strings.
type Content struct {
	Kind ContentKind
	URL  string
}

// ParseContent normalizes a raw url column value.
func ParseContent(raw string, valid bool) Content {
	trimmed := strings.TrimSpace(raw)
	if !valid || trimmed == "" || strings.EqualFold(trimmed, "NULL") {
		return Content{Kind: NoContent}
	}
	lower := strings.ToLower(trimmed)
	if lower == "in development" || lower == "masih dalam pengembangan" {
		return Content{Kind: UnderDevelopment}
	}
	return Content{Kind: ExternalURL, URL: trimmed}
}

// Entry is one node in the menu tree.
type Entry struct {
	ID          int64
	GroupID     int64
	ParentID    *int64
	Keyword     string
	Description string
	Content     Content
}

// Group is a logical menu group; each group owns an independent tree of
// entries.
type Group struct {
	ID     int64
	Name   string
	Remark string
}
