package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialAttachment(t *testing.T) {
	cases := []struct {
		name  string
		style CredentialStyle
		check func(t *testing.T, r *http.Request)
	}{
		{"bearer", CredentialBearer, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		}},
		{"header", CredentialHeader, func(t *testing.T, r *http.Request) {
			assert.Equal(t, "tok-1", r.Header.Get(headerName))
		}},
		{"cookie", CredentialCookie, func(t *testing.T, r *http.Request) {
			cookie, err := r.Cookie(cookieName)
			require.NoError(t, err)
			assert.Equal(t, "tok-1", cookie.Value)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				tc.check(t, r)
				w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			client := NewClient(srv.URL, tc.style)
			client.SetToken("tok-1")
			require.NoError(t, client.Get(context.Background(), "/check", &struct{}{}))
		})
	}
}

func TestNoCredentialWhenTokenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, CredentialBearer)
	require.NoError(t, client.Get(context.Background(), "/check", &struct{}{}))
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindUnauthenticated},
		{http.StatusForbidden, KindUnauthenticated},
		{http.StatusBadRequest, KindValidation},
		{http.StatusRequestEntityTooLarge, KindValidation},
		{http.StatusUnsupportedMediaType, KindValidation},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindNotFound},
		{http.StatusInternalServerError, KindTransport},
		{http.StatusBadGateway, KindTransport},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"nope"}`, tc.status)
		}))

		client := NewClient(srv.URL, CredentialBearer)
		err := client.Get(context.Background(), "/x", nil)
		require.Error(t, err, "status %d", tc.status)

		apiErr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, tc.kind, apiErr.Kind, "status %d", tc.status)
		assert.Equal(t, tc.status, apiErr.Status)
		assert.Equal(t, "nope", apiErr.Message)

		srv.Close()
	}
}

func TestNetworkFailureIsTransport(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", CredentialBearer)
	err := client.Get(context.Background(), "/check", nil)
	require.Error(t, err)
	assert.False(t, IsUnauthenticated(err))

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindTransport, apiErr.Kind)
	assert.Equal(t, 0, apiErr.Status)
}

func TestPostMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "hello", r.FormValue("text"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "pic.png", header.Filename)

		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, CredentialBearer)
	var out struct {
		OK bool `json:"ok"`
	}
	err := client.PostMultipart(context.Background(), "/message/send/u1",
		map[string]string{"text": "hello"},
		[]FilePart{{Field: "image", Filename: "pic.png", Data: []byte{1, 2, 3}}},
		&out,
	)
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestErrorMessageFallsBackToBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plain text failure", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, CredentialBearer)
	err := client.Get(context.Background(), "/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plain text failure")
}
