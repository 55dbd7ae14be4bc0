package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// AnnotationApi is the durable request/response surface for annotation
// reads and mutations. The push channel fans out other users' changes
// independently, see DocumentChannel.
type AnnotationApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	token  TokenFunc
}

func NewAnnotationApi(ctx context.Context, apiUrl string, token TokenFunc) *AnnotationApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &AnnotationApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		token:  token,
	}
}

type GetHighlightsCallback apiCallback[*HighlightsResult]

type HighlightsResult struct {
	Highlights []*Highlight `json:"highlights"`
}

func (self *AnnotationApi) GetHighlights(documentId string, callback GetHighlightsCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/documents/%s/highlights", self.apiUrl, documentId),
		nil,
		self.token,
		&HighlightsResult{},
		callback,
	)
}

func (self *AnnotationApi) GetHighlightsSync(documentId string) (*HighlightsResult, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/documents/%s/highlights", self.apiUrl, documentId),
		nil,
		self.token,
		&HighlightsResult{},
		NewNoopApiCallback[*HighlightsResult](),
	)
}

type CreateHighlightCallback apiCallback[*Highlight]

type CreateHighlightArgs struct {
	SpaceId         string    `json:"spaceId"`
	HighlightedText string    `json:"highlightedText"`
	TextRange       TextRange `json:"textRange"`
	Color           string    `json:"color"`
}

func (self *AnnotationApi) CreateHighlight(documentId string, createHighlight *CreateHighlightArgs, callback CreateHighlightCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/documents/%s/highlights", self.apiUrl, documentId),
		createHighlight,
		self.token,
		&Highlight{},
		callback,
	)
}

func (self *AnnotationApi) CreateHighlightSync(documentId string, createHighlight *CreateHighlightArgs) (*Highlight, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/documents/%s/highlights", self.apiUrl, documentId),
		createHighlight,
		self.token,
		&Highlight{},
		NewNoopApiCallback[*Highlight](),
	)
}

type UpdateHighlightCallback apiCallback[*Highlight]

type UpdateHighlightArgs struct {
	HighlightedText string    `json:"highlightedText"`
	TextRange       TextRange `json:"textRange"`
}

func (self *AnnotationApi) UpdateHighlight(highlightId string, updateHighlight *UpdateHighlightArgs, callback UpdateHighlightCallback) {
	go request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/highlights/%s", self.apiUrl, highlightId),
		updateHighlight,
		self.token,
		&Highlight{},
		callback,
	)
}

func (self *AnnotationApi) UpdateHighlightSync(highlightId string, updateHighlight *UpdateHighlightArgs) (*Highlight, error) {
	return request(
		self.ctx,
		"PUT",
		fmt.Sprintf("%s/highlights/%s", self.apiUrl, highlightId),
		updateHighlight,
		self.token,
		&Highlight{},
		NewNoopApiCallback[*Highlight](),
	)
}

type DeleteResult struct {
	Deleted bool `json:"deleted,omitempty"`
}

func (self *AnnotationApi) DeleteHighlightSync(highlightId string) error {
	_, err := request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/highlights/%s", self.apiUrl, highlightId),
		nil,
		self.token,
		&DeleteResult{},
		NewNoopApiCallback[*DeleteResult](),
	)
	return err
}

type GetCommentsCallback apiCallback[*CommentsResult]

type CommentsResult struct {
	Comments []*Comment `json:"comments"`
}

func (self *AnnotationApi) GetComments(highlightId string, callback GetCommentsCallback) {
	go request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/highlights/%s/comments", self.apiUrl, highlightId),
		nil,
		self.token,
		&CommentsResult{},
		callback,
	)
}

func (self *AnnotationApi) GetCommentsSync(highlightId string) (*CommentsResult, error) {
	return request(
		self.ctx,
		"GET",
		fmt.Sprintf("%s/highlights/%s/comments", self.apiUrl, highlightId),
		nil,
		self.token,
		&CommentsResult{},
		NewNoopApiCallback[*CommentsResult](),
	)
}

type CreateCommentCallback apiCallback[*Comment]

type CreateCommentArgs struct {
	SpaceId         string   `json:"spaceId,omitempty"`
	Text            string   `json:"text"`
	ParentCommentId string   `json:"parentCommentId,omitempty"`
	Mentions        []string `json:"mentions"`
}

func (self *AnnotationApi) CreateComment(highlightId string, createComment *CreateCommentArgs, callback CreateCommentCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/highlights/%s/comments", self.apiUrl, highlightId),
		createComment,
		self.token,
		&Comment{},
		callback,
	)
}

func (self *AnnotationApi) CreateCommentSync(highlightId string, createComment *CreateCommentArgs) (*Comment, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/highlights/%s/comments", self.apiUrl, highlightId),
		createComment,
		self.token,
		&Comment{},
		NewNoopApiCallback[*Comment](),
	)
}

func (self *AnnotationApi) DeleteCommentSync(commentId string) error {
	_, err := request(
		self.ctx,
		"DELETE",
		fmt.Sprintf("%s/comments/%s", self.apiUrl, commentId),
		nil,
		self.token,
		&DeleteResult{},
		NewNoopApiCallback[*DeleteResult](),
	)
	return err
}

type NotifyTypingCallback apiCallback[*NotifyTypingResult]

type NotifyTypingResult struct {
	Notified bool `json:"notified,omitempty"`
}

// NotifyTyping is a best-effort presence ping.
func (self *AnnotationApi) NotifyTyping(documentId string, callback NotifyTypingCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/documents/%s/typing", self.apiUrl, documentId),
		nil,
		self.token,
		&NotifyTypingResult{},
		callback,
	)
}

func request[R any](ctx context.Context, method string, url string, args any, token TokenFunc, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if token != nil {
		bearerToken, err := token(ctx)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
		if bearerToken != "" {
			auth := fmt.Sprintf("Bearer %s", bearerToken)
			req.Header.Add("Authorization", auth)
		}
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode && http.StatusCreated != r.StatusCode && http.StatusNoContent != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}
