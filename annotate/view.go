package annotate

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/golang/glog"
)

type AnnotationViewSettings struct {
	ApiUrl     string
	ChannelUrl string
	// the shipped configuration leaves the push channel off and viewers
	// re-fetch instead. flip on to receive other users' changes live
	EnableChannel   bool
	ChannelSettings *DocumentChannelSettings
}

func DefaultAnnotationViewSettings(apiUrl string, channelUrl string) *AnnotationViewSettings {
	return &AnnotationViewSettings{
		ApiUrl:          apiUrl,
		ChannelUrl:      channelUrl,
		EnableChannel:   false,
		ChannelSettings: DefaultDocumentChannelSettings(),
	}
}

// AnnotationView is the surface the view layer consumes for one
// document-viewing session. Constructing a view per document keeps
// concurrently open documents isolated.
type AnnotationView struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	spaceId    string

	api      *AnnotationApi
	store    *AnnotationStore
	presence *PresenceTracker
	channel  *DocumentChannel
}

func NewAnnotationViewWithDefaults(
	ctx context.Context,
	documentId string,
	spaceId string,
	token TokenFunc,
	apiUrl string,
	channelUrl string,
) (*AnnotationView, error) {
	return NewAnnotationView(ctx, documentId, spaceId, token, DefaultAnnotationViewSettings(apiUrl, channelUrl))
}

// NewAnnotationView wires the api, store, presence tracker and channel
// for one document and starts the initial highlight fetch.
func NewAnnotationView(
	ctx context.Context,
	documentId string,
	spaceId string,
	token TokenFunc,
	settings *AnnotationViewSettings,
) (*AnnotationView, error) {
	if err := (validation.Errors{
		"documentId": validation.Validate(documentId, validation.Required),
		"spaceId":    validation.Validate(spaceId, validation.Required),
	}).Filter(); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)

	bearerToken, err := token(cancelCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	author, err := ParseBearerClaimsUnverified(bearerToken)
	if err != nil {
		cancel()
		return nil, err
	}

	api := NewAnnotationApi(cancelCtx, settings.ApiUrl, token)
	store := NewAnnotationStore(api, documentId, spaceId, author)
	presence := NewPresenceTracker()

	view := &AnnotationView{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		spaceId:    spaceId,
		api:        api,
		store:      store,
		presence:   presence,
	}

	if settings.EnableChannel {
		channel := NewDocumentChannel(cancelCtx, settings.ChannelUrl, documentId, token, settings.ChannelSettings)
		channel.AddReceiveCallback(view.receiveFrame)
		channel.Connect()
		view.channel = channel
	}

	go func() {
		if _, err := view.FetchHighlights(); err != nil {
			glog.Infof("[view]initial fetch %s = %s\n", documentId, err)
		}
	}()

	return view, nil
}

func (self *AnnotationView) FetchHighlights() ([]*Highlight, error) {
	result, err := self.api.GetHighlightsSync(self.documentId)
	if err != nil {
		return nil, err
	}
	self.store.SetHighlights(result.Highlights)
	return result.Highlights, nil
}

func (self *AnnotationView) FetchComments(highlightId string) ([]*Comment, error) {
	result, err := self.api.GetCommentsSync(highlightId)
	if err != nil {
		return nil, err
	}
	self.store.SetComments(highlightId, result.Comments)
	return result.Comments, nil
}

func (self *AnnotationView) CreateHighlight(selection *Selection, color string) (*Highlight, error) {
	return self.store.CreateHighlight(selection, color)
}

func (self *AnnotationView) UpdateHighlight(highlightId string, selection *Selection) (*Highlight, error) {
	return self.store.UpdateHighlight(highlightId, selection)
}

func (self *AnnotationView) DeleteHighlight(highlightId string) error {
	return self.store.DeleteHighlight(highlightId)
}

func (self *AnnotationView) CreateComment(highlightId string, text string, parentCommentId string) (*Comment, error) {
	return self.store.CreateComment(highlightId, text, parentCommentId)
}

func (self *AnnotationView) DeleteComment(highlightId string, commentId string) error {
	return self.store.DeleteComment(highlightId, commentId)
}

// NotifyTyping is a best-effort, fire-and-forget presence ping.
func (self *AnnotationView) NotifyTyping() {
	self.api.NotifyTyping(self.documentId, NewApiCallback(func(result *NotifyTypingResult, err error) {
		if err != nil {
			glog.V(2).Infof("[view]typing ping %s = %s\n", self.documentId, err)
		}
	}))
}

// Reconnect forces a fresh channel connection, bypassing backoff.
func (self *AnnotationView) Reconnect() {
	if self.channel == nil {
		glog.Warningf("[view]reconnect with channel disabled %s\n", self.documentId)
		return
	}
	self.channel.Reconnect()
}

func (self *AnnotationView) IsConnected() bool {
	if self.channel == nil {
		return false
	}
	return self.channel.IsConnected()
}

func (self *AnnotationView) IsConnecting() bool {
	if self.channel == nil {
		return false
	}
	return self.channel.IsConnecting()
}

// Err reports the error the UI should render: a mutation failure if one
// is outstanding, else the connection error if the channel is degraded.
func (self *AnnotationView) Err() error {
	if err := self.store.LastError(); err != nil {
		return err
	}
	if self.channel != nil {
		return self.channel.LastError()
	}
	return nil
}

func (self *AnnotationView) Highlights() []*Highlight {
	return self.store.Highlights()
}

func (self *AnnotationView) CommentsForHighlight(highlightId string) []*Comment {
	return self.store.CommentsForHighlight(highlightId)
}

func (self *AnnotationView) PendingActions() []*PendingAction {
	return self.store.PendingActions()
}

func (self *AnnotationView) ActiveUsers() []*PresenceUser {
	return self.presence.ActiveUsers()
}

func (self *AnnotationView) TypingUsers() []*PresenceUser {
	return self.presence.TypingUsers(time.Now())
}

// Close ends the viewing session.
func (self *AnnotationView) Close() {
	if self.channel != nil {
		self.channel.Close()
	}
	self.cancel()
}

// receiveFrame dispatches forwarded channel frames. The switch covers the
// full ChannelEvent set.
func (self *AnnotationView) receiveFrame(frame *Frame) {
	event, err := ParseChannelEvent(frame)
	if err != nil {
		glog.Infof("[view]drop frame %s = %s\n", frame.Type, err)
		return
	}

	switch v := event.(type) {
	case *HighlightCreatedEvent:
		self.store.applyRemoteHighlightCreated(v.Highlight)
	case *HighlightDeletedEvent:
		self.store.applyRemoteHighlightDeleted(v.HighlightId)
	case *CommentCreatedEvent:
		self.store.applyRemoteCommentCreated(v.Comment)
	case *CommentUpdatedEvent:
		self.store.applyRemoteCommentUpdated(v.Comment)
	case *CommentDeletedEvent:
		self.store.applyRemoteCommentDeleted(v.HighlightId, v.CommentId)
	case *PresenceJoinEvent:
		self.presence.Join(v.User)
	case *PresenceLeaveEvent:
		self.presence.Leave(v.UserId)
	case *PresenceTypingEvent:
		self.presence.Touch(v.UserId, v.UserName, v.Color, time.Now())
	}
}
