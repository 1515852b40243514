// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package render

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamsSkipEmptyValues(t *testing.T) {
	t.Parallel()

	p := &Params{}
	p.Add("code", "abc")
	p.Add("state", "")
	p.Add("scope", "openid")

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, [][2]string{{"code", "abc"}, {"scope", "openid"}}, p.Pairs())
}

func TestQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		redirectURI string
		want        string
	}{
		{name: "bare URI", redirectURI: "https://client.example.com/cb", want: "https://client.example.com/cb?code=abc&state=x+y"},
		{name: "URI with query", redirectURI: "https://client.example.com/cb?keep=1", want: "https://client.example.com/cb?keep=1&code=abc&state=x+y"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &Params{}
			p.Add("code", "abc")
			p.Add("state", "x y")

			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", "/authorize", nil)
			Query(w, r, tt.redirectURI, p)

			assert.Equal(t, 302, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Location"))
		})
	}
}

func TestFragment(t *testing.T) {
	t.Parallel()

	p := &Params{}
	p.Add("access_token", "tok")
	p.Add("token_type", "Bearer")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/authorize", nil)
	Fragment(w, r, "https://client.example.com/cb", p)

	assert.Equal(t, 302, w.Code)
	assert.Equal(t, "https://client.example.com/cb#access_token=tok&token_type=Bearer",
		w.Header().Get("Location"))
}

func TestFormPost(t *testing.T) {
	t.Parallel()

	p := &Params{}
	p.Add("code", "abc")
	p.Add("state", `"><script>alert(1)</script>`)

	w := httptest.NewRecorder()
	require.NoError(t, FormPost(w, "https://client.example.com/cb", p))

	assert.Equal(t, "text/html;charset=UTF-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	body := w.Body.String()
	assert.Contains(t, body, `action="https://client.example.com/cb"`)
	assert.Contains(t, body, `name="code" value="abc"`)

	// Parameter values are HTML-escaped.
	assert.NotContains(t, body, "<script>alert(1)</script>")
}

func TestJSON(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	require.NoError(t, JSON(w, 200, map[string]any{"access_token": "tok", "expires_in": 3600}))

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json;charset=UTF-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "-1", w.Header().Get("Expires"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	assert.Equal(t, "tok", payload["access_token"])
}

func TestPlainPage(t *testing.T) {
	t.Parallel()

	p := &Params{}
	p.Add("error", "invalid_request")
	p.Add("error_description", "something went wrong")

	w := httptest.NewRecorder()
	PlainPage(w, 400, p)

	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "text/plain;charset=UTF-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "error: invalid_request\nerror_description: something went wrong\n", w.Body.String())
}
