package annotate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)
	return signed
}

func TestParseBearerClaimsUnverified(t *testing.T) {
	token := signTestToken(t, gojwt.MapClaims{
		"user_id":   "u1",
		"user_name": "alice",
	})
	claims, err := ParseBearerClaimsUnverified(token)
	assert.Equal(t, nil, err)
	assert.Equal(t, "u1", claims.UserId)
	assert.Equal(t, "alice", claims.UserName)

	// standard claims are the fallback
	token = signTestToken(t, gojwt.MapClaims{
		"sub":  "u2",
		"name": "bob",
	})
	claims, err = ParseBearerClaimsUnverified(token)
	assert.Equal(t, nil, err)
	assert.Equal(t, "u2", claims.UserId)
	assert.Equal(t, "bob", claims.UserName)

	_, err = ParseBearerClaimsUnverified("not a jwt")
	assert.NotEqual(t, nil, err)
}

func TestApiBearerHeader(t *testing.T) {
	var mutex sync.Mutex
	authorization := ""
	contentType := ""
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		authorization = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		mutex.Unlock()
		json.NewEncoder(w).Encode(&HighlightsResult{Highlights: []*Highlight{}})
	}))
	defer server.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewAnnotationApi(cancelCtx, server.URL, StaticToken("jwt123"))
	_, err := api.GetHighlightsSync("d1")
	assert.Equal(t, nil, err)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, "Bearer jwt123", authorization)
	assert.Equal(t, "application/json", contentType)
}

func TestApiErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "document not found", http.StatusNotFound)
	}))
	defer server.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewAnnotationApi(cancelCtx, server.URL, StaticToken("jwt"))
	_, err := api.GetHighlightsSync("d404")
	assert.NotEqual(t, nil, err)
	// the response body is surfaced as the error message
	assert.Equal(t, "document not found", err.Error())
}

func TestApiTokenError(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewAnnotationApi(cancelCtx, "http://127.0.0.1:1", func(ctx context.Context) (string, error) {
		return "", context.DeadlineExceeded
	})
	// the request fails before dialing
	_, err := api.GetHighlightsSync("d1")
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestApiAsyncCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&HighlightsResult{
			Highlights: []*Highlight{{Id: "H1"}},
		})
	}))
	defer server.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewAnnotationApi(cancelCtx, server.URL, StaticToken("jwt"))

	callback, c := NewBlockingApiCallback[*HighlightsResult]()
	api.GetHighlights("d1", callback)

	select {
	case result := <-c:
		assert.Equal(t, nil, result.Error)
		assert.Equal(t, 1, len(result.Result.Highlights))
		assert.Equal(t, "H1", result.Result.Highlights[0].Id)
	case <-time.After(2 * time.Second):
		t.Fatal("No callback.")
	}
}

func TestApiNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewAnnotationApi(cancelCtx, server.URL, StaticToken("jwt"))
	err := api.DeleteHighlightSync("H1")
	assert.Equal(t, nil, err)
}
