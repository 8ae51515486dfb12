package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "anon"})
	assert.Error(t, err)

	_, err = New(Config{URL: "http://localhost"})
	assert.Error(t, err)

	c, err := New(Config{URL: "http://localhost/", APIKey: "anon"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost", c.BaseURL())
}

func TestAccessTokenFallsBackToAPIKey(t *testing.T) {
	c, err := New(Config{URL: "http://localhost", APIKey: "anon"})
	require.NoError(t, err)
	assert.Equal(t, "anon", c.AccessToken())

	c.SetAccessToken("user-jwt")
	assert.Equal(t, "user-jwt", c.AccessToken())

	c.SetAccessToken("")
	assert.Equal(t, "anon", c.AccessToken())
}

func TestSelectQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"w1"}]`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "anon", AccessToken: "jwt"})
	require.NoError(t, err)

	resp, err := c.From("workouts").
		Select("*,exercises(*)").
		Eq("client_id", "c1").
		Order("created_at", true).
		Limit(10).
		Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/rest/v1/workouts", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "*,exercises(*)", q.Get("select"))
	assert.Equal(t, "eq.c1", q.Get("client_id"))
	assert.Equal(t, "created_at.asc", q.Get("order"))
	assert.Equal(t, "10", q.Get("limit"))
	assert.Equal(t, "anon", got.Header.Get("apikey"))
	assert.Equal(t, "Bearer jwt", got.Header.Get("Authorization"))

	var rows []map[string]any
	require.NoError(t, resp.JSON(&rows))
	assert.Equal(t, "w1", rows[0]["id"])
}

func TestInsertSendsRawPayload(t *testing.T) {
	var body []byte
	var prefer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		prefer = r.Header.Get("Prefer")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"g1","title":"Run"}]`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "anon"})
	require.NoError(t, err)

	resp, err := c.From("goals").ExecuteInsert(context.Background(), json.RawMessage(`{"title":"Run"}`))
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, `{"title":"Run"}`, string(body))
	assert.Equal(t, "return=representation", prefer)
}

func TestUpdateAndDeleteFilterByID(t *testing.T) {
	var methods []string
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		ids = append(ids, r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "anon"})
	require.NoError(t, err)

	_, err = c.From("foods").Eq("id", "f1").ExecuteUpdate(context.Background(), map[string]any{"is_completed": true})
	require.NoError(t, err)
	_, err = c.From("foods").Eq("id", "f2").ExecuteDelete(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{http.MethodPatch, http.MethodDelete}, methods)
	assert.Equal(t, []string{"eq.f1", "eq.f2"}, ids)
}

func TestResponseErr(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{
			name:     "postgrest error",
			status:   http.StatusForbidden,
			body:     `{"code":"42501","message":"permission denied for table workouts","details":null,"hint":null}`,
			wantCode: "42501",
			wantMsg:  "permission denied for table workouts",
		},
		{
			name:    "gateway error",
			status:  http.StatusUnauthorized,
			body:    `{"error":"Invalid JWT"}`,
			wantMsg: "Invalid JWT",
		},
		{
			name:   "empty body",
			status: http.StatusServiceUnavailable,
			body:   ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &Response{StatusCode: tt.status, Body: []byte(tt.body)}
			err := resp.Err()
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.NotEmpty(t, apiErr.Error())
		})
	}

	assert.NoError(t, (&Response{StatusCode: http.StatusOK}).Err())
}
