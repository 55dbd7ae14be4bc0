package annotate

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var mentionRe = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the @name tokens in text, in first-occurrence
// order, deduplicated.
func ExtractMentions(text string) []string {
	mentions := []string{}
	seen := map[string]bool{}
	for _, match := range mentionRe.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		mentions = append(mentions, name)
	}
	return mentions
}

// AnnotationStore holds the highlights and comments of one document for
// the lifetime of a viewing session, organized for optimistic mutation:
// every mutating operation applies locally first, records a pending
// action, issues the request, then either confirms with server truth or
// rolls back to the pre-mutation snapshot.
//
// Collections are updated by whole-collection replacement under stateLock
// so that a read during an in-flight mutation always observes a
// consistent snapshot.
type AnnotationStore struct {
	api *AnnotationApi

	documentId string
	spaceId    string
	author     *BearerClaims

	stateLock  sync.Mutex
	highlights []*Highlight
	// highlightId -> comment thread
	comments map[string][]*Comment
	// actionType:entityId -> pending action
	pending map[string]*PendingAction
	lastErr error

	queueLock   sync.Mutex
	entityTails map[string]chan struct{}
}

func NewAnnotationStore(api *AnnotationApi, documentId string, spaceId string, author *BearerClaims) *AnnotationStore {
	return &AnnotationStore{
		api:         api,
		documentId:  documentId,
		spaceId:     spaceId,
		author:      author,
		highlights:  []*Highlight{},
		comments:    map[string][]*Comment{},
		pending:     map[string]*PendingAction{},
		entityTails: map[string]chan struct{}{},
	}
}

// lockEntity serializes mutations per logical entity id. A later mutation
// on the same id waits for the earlier one to settle before taking its
// optimistic snapshot, so same-entity mutations are observably
// linearizable. Mutations on distinct entities run concurrently.
func (self *AnnotationStore) lockEntity(entityId string) func() {
	self.queueLock.Lock()
	tail := self.entityTails[entityId]
	done := make(chan struct{})
	self.entityTails[entityId] = done
	self.queueLock.Unlock()

	if tail != nil {
		<-tail
	}

	return func() {
		self.queueLock.Lock()
		if self.entityTails[entityId] == done {
			delete(self.entityTails, entityId)
		}
		self.queueLock.Unlock()
		close(done)
	}
}

// CreateHighlight applies a provisional highlight immediately and returns
// the confirmed highlight, or nil with an error after rollback.
func (self *AnnotationStore) CreateHighlight(selection *Selection, color string) (*Highlight, error) {
	if err := selection.Validate(); err != nil {
		return nil, err
	}

	tempId := NewTemporaryId()
	unlock := self.lockEntity(tempId)
	defer unlock()

	now := time.Now().UTC()
	optimistic := &Highlight{
		Id:              tempId,
		DocumentId:      self.documentId,
		SpaceId:         self.spaceId,
		HighlightedText: selection.Text,
		TextRange:       selection.TextRange,
		Color:           color,
		CreatedBy:       self.author.UserId,
		CreatedByName:   self.author.UserName,
		CreatedAt:       now,
		UpdatedAt:       now,
		CommentCount:    0,
	}

	self.stateLock.Lock()
	nextHighlights := slices.Clone(self.highlights)
	nextHighlights = append(nextHighlights, optimistic)
	self.highlights = nextHighlights
	self.addPendingLocked(tempId, PendingCreateHighlight)
	self.stateLock.Unlock()

	result, err := self.api.CreateHighlightSync(self.documentId, &CreateHighlightArgs{
		SpaceId:         self.spaceId,
		HighlightedText: selection.Text,
		TextRange:       selection.TextRange,
		Color:           color,
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.removePendingLocked(tempId, PendingCreateHighlight)
	if err != nil {
		self.highlights = removeHighlight(self.highlights, tempId)
		self.lastErr = errors.New("Failed to create highlight")
		glog.Infof("[store]create highlight %s rollback = %s\n", tempId, err)
		return nil, self.lastErr
	}

	// migrate the provisional id to the server id, including any local
	// state that referenced it
	self.highlights = replaceHighlight(self.highlights, tempId, result)
	if tempComments, ok := self.comments[tempId]; ok {
		nextComments := maps.Clone(self.comments)
		delete(nextComments, tempId)
		migrated := slices.Clone(nextComments[result.Id])
		for _, comment := range tempComments {
			c := comment.Copy()
			c.HighlightId = result.Id
			migrated = append(migrated, c)
		}
		nextComments[result.Id] = migrated
		self.comments = nextComments
	}
	self.lastErr = nil
	return result, nil
}

// UpdateHighlight overlays the new selection in place and keeps the prior
// value so a rollback is exact rather than reconstructed.
func (self *AnnotationStore) UpdateHighlight(highlightId string, selection *Selection) (*Highlight, error) {
	if err := selection.Validate(); err != nil {
		return nil, err
	}

	unlock := self.lockEntity(highlightId)
	defer unlock()

	self.stateLock.Lock()
	i := slices.IndexFunc(self.highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if i < 0 {
		self.stateLock.Unlock()
		return nil, fmt.Errorf("highlight %s not found", highlightId)
	}
	snapshot := self.highlights[i]
	overlay := snapshot.Copy()
	overlay.HighlightedText = selection.Text
	overlay.TextRange = selection.TextRange
	overlay.UpdatedAt = time.Now().UTC()
	nextHighlights := slices.Clone(self.highlights)
	nextHighlights[i] = overlay
	self.highlights = nextHighlights
	self.addPendingLocked(highlightId, PendingUpdateHighlight)
	self.stateLock.Unlock()

	result, err := self.api.UpdateHighlightSync(highlightId, &UpdateHighlightArgs{
		HighlightedText: selection.Text,
		TextRange:       selection.TextRange,
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.removePendingLocked(highlightId, PendingUpdateHighlight)
	if err != nil {
		self.highlights = replaceHighlight(self.highlights, highlightId, snapshot)
		self.lastErr = errors.New("Failed to update highlight")
		glog.Infof("[store]update highlight %s rollback = %s\n", highlightId, err)
		return nil, self.lastErr
	}
	self.highlights = replaceHighlight(self.highlights, highlightId, result)
	self.lastErr = nil
	return result, nil
}

// DeleteHighlight marks the highlight as deleting so the view can show a
// removal transition; the confirmed removal also drops the cached comment
// thread.
func (self *AnnotationStore) DeleteHighlight(highlightId string) error {
	unlock := self.lockEntity(highlightId)
	defer unlock()

	self.stateLock.Lock()
	i := slices.IndexFunc(self.highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if i < 0 {
		self.stateLock.Unlock()
		return fmt.Errorf("highlight %s not found", highlightId)
	}
	snapshot := self.highlights[i]
	marked := snapshot.Copy()
	marked.Deleting = true
	nextHighlights := slices.Clone(self.highlights)
	nextHighlights[i] = marked
	self.highlights = nextHighlights
	self.addPendingLocked(highlightId, PendingDeleteHighlight)
	self.stateLock.Unlock()

	err := self.api.DeleteHighlightSync(highlightId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.removePendingLocked(highlightId, PendingDeleteHighlight)
	if err != nil {
		self.highlights = replaceHighlight(self.highlights, highlightId, snapshot)
		self.lastErr = errors.New("Failed to delete highlight")
		glog.Infof("[store]delete highlight %s rollback = %s\n", highlightId, err)
		return self.lastErr
	}
	self.highlights = removeHighlight(self.highlights, highlightId)
	if _, ok := self.comments[highlightId]; ok {
		nextComments := maps.Clone(self.comments)
		delete(nextComments, highlightId)
		self.comments = nextComments
	}
	self.lastErr = nil
	return nil
}

// CreateComment scans text for @mentions, applies a provisional comment
// and returns the confirmed comment. On confirmation only the provisional
// entry is replaced; additions that landed while the request was in
// flight stay untouched.
func (self *AnnotationStore) CreateComment(highlightId string, text string, parentCommentId string) (*Comment, error) {
	if err := (validation.Errors{
		"highlightId": validation.Validate(highlightId, validation.Required),
		"text":        validation.Validate(text, validation.Required),
	}).Filter(); err != nil {
		return nil, err
	}

	mentions := ExtractMentions(text)
	tempId := NewTemporaryId()
	unlock := self.lockEntity(tempId)
	defer unlock()

	now := time.Now().UTC()
	optimistic := &Comment{
		Id:              tempId,
		HighlightId:     highlightId,
		SpaceId:         self.spaceId,
		Text:            text,
		Author:          self.author.UserId,
		AuthorName:      self.author.UserName,
		ParentCommentId: parentCommentId,
		Mentions:        mentions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	self.stateLock.Lock()
	held := slices.IndexFunc(self.highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if held < 0 {
		self.stateLock.Unlock()
		return nil, fmt.Errorf("highlight %s not found", highlightId)
	}
	nextComments := maps.Clone(self.comments)
	nextComments[highlightId] = append(slices.Clone(nextComments[highlightId]), optimistic)
	self.comments = nextComments
	self.adjustCommentCountLocked(highlightId, 1)
	self.addPendingLocked(tempId, PendingCreateComment)
	self.stateLock.Unlock()

	result, err := self.api.CreateCommentSync(highlightId, &CreateCommentArgs{
		SpaceId:         self.spaceId,
		Text:            text,
		ParentCommentId: parentCommentId,
		Mentions:        mentions,
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.removePendingLocked(tempId, PendingCreateComment)
	if err != nil {
		self.comments = removeComment(self.comments, highlightId, tempId)
		self.adjustCommentCountLocked(highlightId, -1)
		self.lastErr = errors.New("Failed to create comment")
		glog.Infof("[store]create comment %s rollback = %s\n", tempId, err)
		return nil, self.lastErr
	}
	self.comments = replaceComment(self.comments, highlightId, tempId, result)
	self.lastErr = nil
	return result, nil
}

// DeleteComment removes immediately. Comments have no dependent children
// in this design, so no marked-deleting stage is needed.
func (self *AnnotationStore) DeleteComment(highlightId string, commentId string) error {
	unlock := self.lockEntity(commentId)
	defer unlock()

	self.stateLock.Lock()
	commentList := self.comments[highlightId]
	i := slices.IndexFunc(commentList, func(comment *Comment) bool {
		return comment.Id == commentId
	})
	if i < 0 {
		self.stateLock.Unlock()
		return fmt.Errorf("comment %s not found", commentId)
	}
	snapshot := commentList[i]
	snapshotIndex := i
	self.comments = removeComment(self.comments, highlightId, commentId)
	self.adjustCommentCountLocked(highlightId, -1)
	self.addPendingLocked(commentId, PendingDeleteComment)
	self.stateLock.Unlock()

	err := self.api.DeleteCommentSync(commentId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.removePendingLocked(commentId, PendingDeleteComment)
	if err != nil {
		// restore at the original position
		nextComments := maps.Clone(self.comments)
		restored := slices.Clone(nextComments[highlightId])
		if len(restored) < snapshotIndex {
			snapshotIndex = len(restored)
		}
		restored = slices.Insert(restored, snapshotIndex, snapshot)
		nextComments[highlightId] = restored
		self.comments = nextComments
		self.adjustCommentCountLocked(highlightId, 1)
		self.lastErr = errors.New("Failed to delete comment")
		glog.Infof("[store]delete comment %s rollback = %s\n", commentId, err)
		return self.lastErr
	}
	self.lastErr = nil
	return nil
}

// SetHighlights replaces the held highlights with fetched server truth.
func (self *AnnotationStore) SetHighlights(highlights []*Highlight) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.highlights = slices.Clone(highlights)
}

// SetComments replaces one highlight's thread with fetched server truth
// and re-syncs the cached comment count.
func (self *AnnotationStore) SetComments(highlightId string, comments []*Comment) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	nextComments := maps.Clone(self.comments)
	nextComments[highlightId] = slices.Clone(comments)
	self.comments = nextComments

	i := slices.IndexFunc(self.highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if 0 <= i {
		overlay := self.highlights[i].Copy()
		overlay.CommentCount = len(comments)
		nextHighlights := slices.Clone(self.highlights)
		nextHighlights[i] = overlay
		self.highlights = nextHighlights
	}
}

// remote events from the push channel

func (self *AnnotationStore) applyRemoteHighlightCreated(highlight *Highlight) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.IndexFunc(self.highlights, func(held *Highlight) bool {
		return held.Id == highlight.Id
	})
	nextHighlights := slices.Clone(self.highlights)
	if 0 <= i {
		nextHighlights[i] = highlight
	} else {
		nextHighlights = append(nextHighlights, highlight)
	}
	self.highlights = nextHighlights
}

func (self *AnnotationStore) applyRemoteHighlightDeleted(highlightId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.highlights = removeHighlight(self.highlights, highlightId)
	if _, ok := self.comments[highlightId]; ok {
		nextComments := maps.Clone(self.comments)
		delete(nextComments, highlightId)
		self.comments = nextComments
	}
}

func (self *AnnotationStore) applyRemoteCommentCreated(comment *Comment) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	held := slices.IndexFunc(self.highlights, func(highlight *Highlight) bool {
		return highlight.Id == comment.HighlightId
	})
	if held < 0 {
		// the highlight has not arrived. drop rather than hold an orphan
		glog.V(2).Infof("[store]drop comment %s for unknown highlight %s\n", comment.Id, comment.HighlightId)
		return
	}
	commentList := self.comments[comment.HighlightId]
	if 0 <= slices.IndexFunc(commentList, func(held *Comment) bool { return held.Id == comment.Id }) {
		return
	}
	nextComments := maps.Clone(self.comments)
	nextComments[comment.HighlightId] = append(slices.Clone(commentList), comment)
	self.comments = nextComments
	self.adjustCommentCountLocked(comment.HighlightId, 1)
}

func (self *AnnotationStore) applyRemoteCommentUpdated(comment *Comment) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	commentList := self.comments[comment.HighlightId]
	i := slices.IndexFunc(commentList, func(held *Comment) bool {
		return held.Id == comment.Id
	})
	if i < 0 {
		return
	}
	nextComments := maps.Clone(self.comments)
	nextList := slices.Clone(commentList)
	nextList[i] = comment
	nextComments[comment.HighlightId] = nextList
	self.comments = nextComments
}

func (self *AnnotationStore) applyRemoteCommentDeleted(highlightId string, commentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	commentList := self.comments[highlightId]
	if slices.IndexFunc(commentList, func(held *Comment) bool { return held.Id == commentId }) < 0 {
		return
	}
	self.comments = removeComment(self.comments, highlightId, commentId)
	self.adjustCommentCountLocked(highlightId, -1)
}

// read-only projections. each returns a consistent snapshot

func (self *AnnotationStore) Highlights() []*Highlight {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.highlights)
}

func (self *AnnotationStore) CommentsForHighlight(highlightId string) []*Comment {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.comments[highlightId])
}

func (self *AnnotationStore) CommentCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, commentList := range self.comments {
		count += len(commentList)
	}
	return count
}

func (self *AnnotationStore) PendingActions() []*PendingAction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pendingActions := maps.Values(self.pending)
	sort.Slice(pendingActions, func(i int, j int) bool {
		return pendingActions[i].Timestamp.Before(pendingActions[j].Timestamp)
	})
	return pendingActions
}

func (self *AnnotationStore) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

// helpers. all *Locked functions require stateLock held

func (self *AnnotationStore) addPendingLocked(entityId string, actionType PendingActionType) {
	nextPending := maps.Clone(self.pending)
	nextPending[pendingKey(entityId, actionType)] = &PendingAction{
		Id:        entityId,
		Type:      actionType,
		Timestamp: time.Now().UTC(),
	}
	self.pending = nextPending
}

func (self *AnnotationStore) removePendingLocked(entityId string, actionType PendingActionType) {
	nextPending := maps.Clone(self.pending)
	delete(nextPending, pendingKey(entityId, actionType))
	self.pending = nextPending
}

func pendingKey(entityId string, actionType PendingActionType) string {
	return fmt.Sprintf("%s:%s", actionType, entityId)
}

func (self *AnnotationStore) adjustCommentCountLocked(highlightId string, delta int) {
	i := slices.IndexFunc(self.highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if i < 0 {
		return
	}
	overlay := self.highlights[i].Copy()
	overlay.CommentCount += delta
	if overlay.CommentCount < 0 {
		overlay.CommentCount = 0
	}
	nextHighlights := slices.Clone(self.highlights)
	nextHighlights[i] = overlay
	self.highlights = nextHighlights
}

func removeHighlight(highlights []*Highlight, highlightId string) []*Highlight {
	i := slices.IndexFunc(highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if i < 0 {
		return highlights
	}
	nextHighlights := slices.Clone(highlights)
	return slices.Delete(nextHighlights, i, i+1)
}

// replaceHighlight applies last-applied-wins: if the target was removed
// by a later action while a confirmation was in flight, the confirmation
// does not resurrect it.
func replaceHighlight(highlights []*Highlight, highlightId string, replacement *Highlight) []*Highlight {
	i := slices.IndexFunc(highlights, func(highlight *Highlight) bool {
		return highlight.Id == highlightId
	})
	if i < 0 {
		return highlights
	}
	nextHighlights := slices.Clone(highlights)
	nextHighlights[i] = replacement
	return nextHighlights
}

func removeComment(comments map[string][]*Comment, highlightId string, commentId string) map[string][]*Comment {
	commentList := comments[highlightId]
	i := slices.IndexFunc(commentList, func(comment *Comment) bool {
		return comment.Id == commentId
	})
	if i < 0 {
		return comments
	}
	nextComments := maps.Clone(comments)
	nextList := slices.Clone(commentList)
	nextComments[highlightId] = slices.Delete(nextList, i, i+1)
	return nextComments
}

func replaceComment(comments map[string][]*Comment, highlightId string, commentId string, replacement *Comment) map[string][]*Comment {
	commentList := comments[highlightId]
	i := slices.IndexFunc(commentList, func(comment *Comment) bool {
		return comment.Id == commentId
	})
	if i < 0 {
		return comments
	}
	nextComments := maps.Clone(comments)
	nextList := slices.Clone(commentList)
	nextList[i] = replacement
	nextComments[highlightId] = nextList
	return nextComments
}
