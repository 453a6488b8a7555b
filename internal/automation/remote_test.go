package automation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"form-courier/internal/models"
)

func TestRemoteEngine_Detect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "FormCourier/test", r.Header.Get("User-Agent"))
		var req detectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com", req.URL)
		json.NewEncoder(w).Encode(detectResponse{Forms: []models.FormDescriptor{
			{URL: "https://example.com/contact", Fields: []models.FormField{{Name: "email", Type: "email"}}},
		}})
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL+"/", "secret", "FormCourier/test", srv.Client())
	forms, err := e.Detect(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, "https://example.com/contact", forms[0].URL)
}

func TestRemoteEngine_CallerCredentialWins(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(detectResponse{})
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL, "service-token", "", srv.Client())
	_, err := e.Detect(WithCredential(context.Background(), "caller-token"), "https://example.com")
	require.NoError(t, err)
	_, err = e.Detect(context.Background(), "https://example.com")
	require.NoError(t, err)
	_, err = NewRemoteEngine(srv.URL, "", "", srv.Client()).Detect(context.Background(), "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer caller-token", "Bearer service-token", ""}, seen)
}

func TestRemoteEngine_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.TakeScreenshot)
		assert.Equal(t, "sato@example.com", req.Values["email"])
		json.NewEncoder(w).Encode(models.SubmissionOutcome{Status: models.SubmissionCaptchaRequired, ScreenshotRef: "s3://shots/1.png"})
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL, "", "", srv.Client())
	out, err := e.Submit(context.Background(), models.FormDescriptor{ID: 1}, map[string]string{"email": "sato@example.com"}, SubmitOptions{TakeScreenshot: true})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCaptchaRequired, out.Status)
	assert.Equal(t, "s3://shots/1.png", out.ScreenshotRef)
}

func TestRemoteEngine_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unreachable", http.StatusBadGateway, `{"code":"unreachable","message":"dns failure"}`, ErrUnreachable},
		{"timeout code", http.StatusBadGateway, `{"code":"timeout"}`, ErrTimeout},
		{"gateway timeout", http.StatusGatewayTimeout, ``, ErrTimeout},
		{"rate limited", http.StatusTooManyRequests, ``, ErrTransport},
		{"server error", http.StatusInternalServerError, `oops`, ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewRemoteEngine(srv.URL, "", "", srv.Client()).Detect(context.Background(), "https://example.com")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestRemoteEngine_BadRequestIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewRemoteEngine(srv.URL, "", "", srv.Client()).Detect(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestRemoteEngine_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemoteEngine(url, "", "", &http.Client{Timeout: time.Second}).Detect(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
}

func TestRemoteEngine_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewRemoteEngine(srv.URL, "", "", srv.Client()).Detect(ctx, "https://example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
