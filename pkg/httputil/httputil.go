/*
Copyright 2025 The Manga-ULM Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httputil carries the JSON response and parameter plumbing
// shared by all handlers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/CaoBiang/Manga-ULM/pkg/liberr"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logrus.WithError(err).Warn("write json response")
		}
	}
}

// errorBody is the single error shape every endpoint returns.
type errorBody struct {
	Error string `json:"error"`
}

// WriteError maps err to its canonical status and writes the JSON
// error body.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusOf(err), errorBody{Error: err.Error()})
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, liberr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, liberr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, liberr.ErrBadRequest),
		errors.Is(err, liberr.ErrUnsupported),
		errors.Is(err, liberr.ErrTargetExists):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// DecodeJSON parses the request body into v, mapping malformed JSON
// to a bad request.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return liberr.BadRequestf("invalid JSON body: %v", err)
	}
	return nil
}

// QueryInt parses an optional integer query parameter.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, liberr.BadRequestf("parameter %s: %q is not an integer", name, raw)
	}
	return n, nil
}

// QueryInt64Ptr parses an optional int64 parameter, nil when absent.
func QueryInt64Ptr(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, liberr.BadRequestf("parameter %s: %q is not an integer", name, raw)
	}
	return &n, nil
}

// QueryIntPtr parses an optional int parameter, nil when absent.
func QueryIntPtr(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, liberr.BadRequestf("parameter %s: %q is not an integer", name, raw)
	}
	return &n, nil
}

// QueryBoolPtr parses an optional boolean parameter, nil when absent.
func QueryBoolPtr(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, liberr.BadRequestf("parameter %s: %q is not a boolean", name, raw)
	}
	return &b, nil
}

// QueryBool parses an optional boolean parameter with a default.
func QueryBool(r *http.Request, name string, def bool) (bool, error) {
	p, err := QueryBoolPtr(r, name)
	if err != nil {
		return false, err
	}
	if p == nil {
		return def, nil
	}
	return *p, nil
}

// QueryIDList parses a comma-separated list of integer ids.
func QueryIDList(r *http.Request, name string) ([]int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, liberr.BadRequestf("parameter %s: %q is not an integer", name, p)
		}
		out = append(out, n)
	}
	return out, nil
}

// QueryStringList splits a comma-separated string parameter.
func QueryStringList(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PathID parses a chi URL parameter as an id.
func PathID(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, liberr.BadRequestf("invalid id %q", raw)
	}
	return n, nil
}
