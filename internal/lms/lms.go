// Package lms talks to the LMS REST API. Every request goes through the
// resilience loop, so callers see either data or a classified error and
// never manage retries themselves.
package lms

import (
	"context"
	"time"
)

// ContentType identifies a kind of course content the scanner can visit.
type ContentType string

// Supported content types.
const (
	ContentSyllabus      ContentType = "syllabus"
	ContentPages         ContentType = "pages"
	ContentAssignments   ContentType = "assignments"
	ContentQuizzes       ContentType = "quizzes"
	ContentDiscussions   ContentType = "discussions"
	ContentAnnouncements ContentType = "announcements"
	ContentModules       ContentType = "modules"
)

// AllContentTypes lists every supported content type in scan order.
var AllContentTypes = []ContentType{
	ContentSyllabus,
	ContentPages,
	ContentAssignments,
	ContentQuizzes,
	ContentDiscussions,
	ContentAnnouncements,
	ContentModules,
}

// Valid reports whether the content type is one the scanner supports.
func (c ContentType) Valid() bool {
	for _, t := range AllContentTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Editable reports whether the content type has a body the scanner may
// rewrite. Module metadata is read-only.
func (c ContentType) Editable() bool {
	return c != ContentModules
}

// Item is one piece of course content.
type Item struct {
	Type      ContentType `json:"type"`
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	URL       string      `json:"url,omitempty"`
	Body      string      `json:"body,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// ContentClient is the content access surface used by scanning tasks.
// Implementations must be safe for concurrent use.
type ContentClient interface {
	// ListContent returns one page of items of the given type. Listings
	// include titles but not necessarily bodies; use GetBody for those.
	ListContent(ctx context.Context, principal, courseID string, ct ContentType, page, perPage int) ([]Item, error)

	// GetBody returns the item with its full body populated.
	GetBody(ctx context.Context, principal, courseID string, ct ContentType, id string) (Item, error)

	// UpdateBody replaces the item's body.
	UpdateBody(ctx context.Context, principal, courseID string, ct ContentType, id, body string) error
}
