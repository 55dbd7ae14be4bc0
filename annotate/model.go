package annotate

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/oklog/ulid/v2"
)

// TextRange is a pair of character offsets into the normalized plain-text
// rendering of a document section. The renderer that maps a DOM selection
// to offsets lives outside this package.
type TextRange struct {
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`
}

func (self TextRange) Validate() error {
	return validation.ValidateStruct(&self,
		validation.Field(&self.StartOffset, validation.Min(0)),
		validation.Field(&self.EndOffset, validation.By(func(value interface{}) error {
			if self.EndOffset <= self.StartOffset {
				return fmt.Errorf("endOffset must be greater than startOffset")
			}
			return nil
		})),
	)
}

// Selection is what the renderer hands over when the user marks text.
type Selection struct {
	Text      string    `json:"text"`
	TextRange TextRange `json:"textRange"`
}

func (self Selection) Validate() error {
	if err := validation.ValidateStruct(&self,
		validation.Field(&self.Text, validation.Required),
	); err != nil {
		return err
	}
	return self.TextRange.Validate()
}

type Highlight struct {
	Id              string    `json:"id"`
	DocumentId      string    `json:"documentId"`
	SpaceId         string    `json:"spaceId"`
	HighlightedText string    `json:"highlightedText"`
	TextRange       TextRange `json:"textRange"`
	Color           string    `json:"color"`
	CreatedBy       string    `json:"createdBy"`
	CreatedByName   string    `json:"createdByName"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	// cached size of the comment thread, kept consistent with the
	// comments held for this highlight
	CommentCount int `json:"commentCount"`

	// local removal transition state, never sent on the wire
	Deleting bool `json:"-"`
}

func (self *Highlight) Copy() *Highlight {
	highlight := *self
	return &highlight
}

type Comment struct {
	Id              string    `json:"id"`
	HighlightId     string    `json:"highlightId"`
	SpaceId         string    `json:"spaceId"`
	Text            string    `json:"text"`
	Author          string    `json:"author"`
	AuthorName      string    `json:"authorName"`
	ParentCommentId string    `json:"parentCommentId,omitempty"`
	Mentions        []string  `json:"mentions,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	IsEdited        bool      `json:"isEdited"`
}

func (self *Comment) Copy() *Comment {
	comment := *self
	return &comment
}

// PresenceUser exists only for the lifetime of the viewing session.
// "Typing" is derived from LastActivity, see presence.go.
type PresenceUser struct {
	UserId       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Color        string    `json:"color"`
	LastActivity time.Time `json:"lastActivity"`
}

func (self *PresenceUser) Copy() *PresenceUser {
	user := *self
	return &user
}

type PendingActionType string

const (
	PendingCreateHighlight PendingActionType = "CreateHighlight"
	PendingUpdateHighlight PendingActionType = "UpdateHighlight"
	PendingDeleteHighlight PendingActionType = "DeleteHighlight"
	PendingCreateComment   PendingActionType = "CreateComment"
	PendingDeleteComment   PendingActionType = "DeleteComment"
)

// PendingAction exists between the optimistic local edit and the server's
// confirm or reject, and is removed in both outcomes.
type PendingAction struct {
	Id        string            `json:"id"`
	Type      PendingActionType `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
}

const temporaryIdPrefix = "temp-"

// NewTemporaryId returns a provisional id for an optimistic entity.
// Provisional ids are timestamp-derived and never persisted; the ulid
// suffix keeps two creates in the same millisecond distinct.
func NewTemporaryId() string {
	return temporaryIdPrefix + ulid.Make().String()
}

func IsTemporaryId(id string) bool {
	return strings.HasPrefix(id, temporaryIdPrefix)
}
