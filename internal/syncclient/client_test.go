package syncclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"annosync/internal/annotation"
	"annosync/internal/callback"
	"annosync/internal/xfdf"
)

func fastRetry(max int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    max,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func TestFetchMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/sessions/abc", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"urls": {"pdf_download": "/files/doc.pdf"},
			"annotations": {"enabled": true, "user_name": "Avery", "permissions": "readwrite", "xfdf_url": "https://cdn.example.com/feed.xfdf"},
			"panda_push": {"host": "push.example.com", "annotations_channel": "doc-abc", "annotations_token": "tok"}
		}`)
	}))
	defer server.Close()

	client := New()
	meta, err := client.FetchMetadata(context.Background(), server.URL+"/sessions/abc")
	require.NoError(t, err)

	assert.Equal(t, server.URL+"/files/doc.pdf", meta.DocumentURL)
	assert.Equal(t, "https://cdn.example.com/feed.xfdf", meta.FeedURL)
	assert.True(t, meta.Enabled)
	assert.Equal(t, annotation.PermissionReadWrite, meta.Permission)
	assert.Equal(t, "Avery", meta.UserName)
	require.NotNil(t, meta.Push)
	assert.Equal(t, "doc-abc", meta.Push.Channel)
	assert.Equal(t, "tok", meta.Push.Token)
}

func TestFetchMetadataWithoutPush(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"urls":{"pdf_download":"d.pdf"},"annotations":{"permissions":"read","xfdf_url":"f.xfdf"}}`)
	}))
	defer server.Close()

	meta, err := New().FetchMetadata(context.Background(), server.URL+"/s/1")
	require.NoError(t, err)
	assert.Nil(t, meta.Push)
	assert.Equal(t, annotation.PermissionRead, meta.Permission)
	assert.Equal(t, server.URL+"/s/d.pdf", meta.DocumentURL)
}

func TestFetchMetadataRejectsBadPayload(t *testing.T) {
	cases := map[string]string{
		"not json":     `<html>`,
		"missing feed": `{"urls":{"pdf_download":"d.pdf"},"annotations":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			defer server.Close()

			_, err := New().FetchMetadata(context.Background(), server.URL)
			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, OpFetchMetadata, fetchErr.Op)
		})
	}
}

func TestStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := New().FetchFeed(context.Background(), server.URL+"/feed")
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	assert.False(t, fetchErr.Temporary())
	assert.Contains(t, err.Error(), "status 404")
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name          string
		status        func(call int32) int
		policy        RetryPolicy
		expectSuccess bool
		expectedCalls int32
	}{
		{
			name:          "zero policy fires once",
			status:        func(int32) int { return http.StatusServiceUnavailable },
			expectedCalls: 1,
		},
		{
			name: "recovers after transient failures",
			status: func(call int32) int {
				if call < 3 {
					return http.StatusServiceUnavailable
				}
				return http.StatusOK
			},
			policy:        fastRetry(3),
			expectSuccess: true,
			expectedCalls: 3,
		},
		{
			name:          "gives up after max retries",
			status:        func(int32) int { return http.StatusTooManyRequests },
			policy:        fastRetry(2),
			expectedCalls: 3,
		},
		{
			name:          "client errors are not retried",
			status:        func(int32) int { return http.StatusBadRequest },
			policy:        fastRetry(3),
			expectedCalls: 1,
		},
		{
			name:   "custom predicate",
			status: func(int32) int { return http.StatusBadRequest },
			policy: RetryPolicy{
				MaxRetries: 1,
				Retryable:  func(error) bool { return true },
			},
			expectedCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status(atomic.AddInt32(&calls, 1)))
			}))
			defer server.Close()

			client := New(WithRetryPolicy(tt.policy))
			err := client.PushActions(context.Background(), server.URL, xfdf.BuildActionBatch(nil, nil, []string{"a"}))
			if tt.expectSuccess {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.Equal(t, tt.expectedCalls, atomic.LoadInt32(&calls))
		})
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	client := New(WithRetryPolicy(RetryPolicy{MaxRetries: 10, InitialDelay: time.Second}))

	started := time.Now()
	_, err := client.FetchDocument(ctx, server.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(started), 900*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 35 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 10*time.Millisecond, p.delay(1))
	assert.Equal(t, 20*time.Millisecond, p.delay(2))
	assert.Equal(t, 35*time.Millisecond, p.delay(3))
	assert.Equal(t, 35*time.Millisecond, p.delay(8))
}

func TestWriteRequests(t *testing.T) {
	type seen struct {
		method, path, contentType, body string
	}
	requests := make(chan seen, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- seen{r.Method, r.URL.EscapedPath(), r.Header.Get("Content-Type"), string(body)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := New(WithUserAgent("annosync-test"))
	ctx := context.Background()

	batch := xfdf.BuildActionBatch(nil, nil, []string{"X1"})
	require.NoError(t, client.PushActions(ctx, server.URL+"/feed.xfdf", batch))
	got := <-requests
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, XFDFContentType, got.contentType)
	assert.Equal(t, string(batch), got.body)

	feed := xfdf.Wrap()
	require.NoError(t, client.UploadFeed(ctx, server.URL+"/feed.xfdf", feed))
	got = <-requests
	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, string(feed), got.body)

	require.NoError(t, client.DeleteAnnotation(ctx, server.URL+"/sessions/abc/", "id with/slash"))
	got = <-requests
	assert.Equal(t, http.MethodDelete, got.method)
	assert.Equal(t, "/sessions/abc/annotations/id%20with%2Fslash", got.path)
}

func TestRateLimiterBlocksRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	client := New(WithRateLimiter(rate.NewLimiter(0, 0)))
	_, err := client.FetchDocument(context.Background(), server.URL)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestAsyncDeliversOnExecutor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "%PDF-1.7")
	}))
	defer server.Close()

	queue := callback.NewQueue()
	defer queue.Close()
	client := New(WithExecutor(queue))

	type result struct {
		body []byte
		err  error
	}
	results := make(chan result, 2)
	client.FetchDocumentAsync(context.Background(), server.URL+"/doc", func(body []byte, err error) {
		results <- result{body, err}
	})
	client.DeleteAnnotationAsync(context.Background(), server.URL+"/broken", "x", func(err error) {
		results <- result{nil, err}
	})

	var ok, failed int
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				failed++
			} else {
				assert.Equal(t, "%PDF-1.7", string(r.body))
				ok++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("completion not delivered")
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(&FetchError{Err: errors.New("connection reset")}))
	assert.True(t, IsTemporary(&FetchError{StatusCode: 502}))
	assert.False(t, IsTemporary(&FetchError{Err: context.Canceled}))
	assert.False(t, IsTemporary(&FetchError{StatusCode: 403}))
	assert.False(t, IsTemporary(errors.New("plain")))
}
