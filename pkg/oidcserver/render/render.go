// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package render writes authorization responses back to clients in the
// three OIDC response modes (query, fragment, form_post), plus the JSON and
// plain-text payloads used by the non-redirecting endpoints.
package render

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
)

// Response modes defined by OAuth 2.0 Multiple Response Type Encoding and
// the OAuth 2.0 Form Post Response Mode specification.
const (
	ModeQuery    = "query"
	ModeFragment = "fragment"
	ModeFormPost = "form_post"
)

// Params is an ordered list of response parameters. Order is preserved in
// the rendered query string, fragment and form.
type Params struct {
	pairs [][2]string
}

// Add appends a parameter. Empty values are skipped.
func (p *Params) Add(name, value string) {
	if value == "" {
		return
	}
	p.pairs = append(p.pairs, [2]string{name, value})
}

// Len returns the number of parameters.
func (p *Params) Len() int { return len(p.pairs) }

// Pairs returns the underlying name/value pairs.
func (p *Params) Pairs() [][2]string { return p.pairs }

// formPostTemplate is the auto-submitting HTML document used by the
// form_post response mode. html/template escapes every name and value.
var formPostTemplate = template.Must(template.New("form_post").Parse(`<!doctype html>
<html>
<head><title>Working...</title></head>
<body>
<form name="form" method="post" action="{{.Action}}">
{{- range .Params}}
<input type="hidden" name="{{index . 0}}" value="{{index . 1}}" />
{{- end}}
<noscript><input type="submit" value="Continue" /></noscript>
</form>
<script>document.form.submit();</script>
</body>
</html>
`))

// Query redirects to redirectURI with the parameters appended to its query
// string.
func Query(w http.ResponseWriter, r *http.Request, redirectURI string, params *Params) {
	location := redirectURI
	separator := "?"
	if strings.Contains(redirectURI, "?") {
		separator = "&"
	}
	for _, pair := range params.Pairs() {
		location += separator + url.QueryEscape(pair[0]) + "=" + url.QueryEscape(pair[1])
		separator = "&"
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// Fragment redirects to redirectURI with the parameters encoded after a
// fragment delimiter.
func Fragment(w http.ResponseWriter, r *http.Request, redirectURI string, params *Params) {
	location := redirectURI
	separator := "#"
	for _, pair := range params.Pairs() {
		location += separator + url.QueryEscape(pair[0]) + "=" + url.QueryEscape(pair[1])
		separator = "&"
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// FormPost writes an auto-submitting HTML form posting the parameters to
// redirectURI.
func FormPost(w http.ResponseWriter, redirectURI string, params *Params) error {
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "-1")
	return formPostTemplate.Execute(w, struct {
		Action string
		Params [][2]string
	}{
		Action: redirectURI,
		Params: params.Pairs(),
	})
}

// JSON writes v as a JSON payload with the cache-defeating headers required
// for token responses.
func JSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "-1")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// PlainPage writes the native plain-text error page: one "name: value" line
// per parameter.
func PlainPage(w http.ResponseWriter, status int, params *Params) {
	w.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "-1")
	w.WriteHeader(status)
	for _, pair := range params.Pairs() {
		fmt.Fprintf(w, "%s: %s\n", pair[0], pair[1])
	}
}
