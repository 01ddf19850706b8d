package api

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/noteservice"
)

const maxBodyBytes = 10 << 20

var noteIDRule = validation.By(func(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	_, err := models.ParseNoteID(s)
	return err
})

// NoteRequest is the body of POST /notes and PUT /notes/{id}.
type NoteRequest struct {
	Content  []models.Node   `json:"content"`
	Metadata models.Metadata `json:"metadata,omitempty"`
}

func (r NoteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.Each(validation.By(func(v any) error {
			n, _ := v.(models.Node)
			return validation.Validate(n.Type, validation.Required.Error("node type is required"))
		}))),
	)
}

func (r NoteRequest) draft() models.Draft {
	return models.Draft{Content: r.Content, Metadata: r.Metadata}
}

// RevertRequest is the body of POST /notes/{id}/revert.
type RevertRequest struct {
	Version models.VersionID `json:"version"`
}

func (r RevertRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Version, validation.Required),
	)
}

// RelationshipRequest is the body of POST /notes/{id}/relationships.
type RelationshipRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
}

var relTypeRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)

func (r RelationshipRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.To, validation.Required, noteIDRule),
		validation.Field(&r.Type, validation.Required, validation.Match(relTypeRe)),
	)
}

// AttachRequest is the body of POST /notes/{id}/blobs.
type AttachRequest struct {
	Name string `json:"name"`
	Ref  string `json:"ref"`
}

func (r AttachRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Ref, validation.Required, validation.By(func(v any) error {
			_, err := models.ParseBlobRef(v.(string))
			return err
		})),
	)
}

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListItem is a lightweight item in a list response (aliased from the domain layer).
type NoteListItem = noteservice.NoteListItem

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes"`
	Total int            `json:"total"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []noteservice.SearchResult `json:"results"`
}

// RelationshipsResponse lists a note's edges.
type RelationshipsResponse struct {
	Outgoing  []models.Relationship `json:"outgoing"`
	Neighbors []models.NoteID       `json:"neighbors"`
	Incoming  []models.Relationship `json:"incoming"`
}

// VersionResponse reports the version a write produced.
type VersionResponse struct {
	ID      models.NoteID    `json:"id"`
	Version models.VersionID `json:"version"`
}

// BlobUploadResponse is returned after a successful blob upload.
type BlobUploadResponse struct {
	Ref  models.BlobRef `json:"ref"`
	Size int64          `json:"size"`
	URL  string         `json:"url"`
}
