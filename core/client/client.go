// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/thermolog/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router         *mux.Router
	auth           *access.Authorization
	ctx            context.Context
	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	c.defaultHeaders[key] = value
	return c
}

// WithAdminAuthorization returns a new client with admin authorization
// (this works only directly against the mux router)
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole("admin")
}

// WithRole returns a new client with role authorization
// (this works only directly against the mux router)
func (c Client) WithRole(role string) Client {
	c.auth = &access.Authorization{
		Roles: []string{role},
	}
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

func (c Client) context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

func (c Client) do(method, path string, body []byte) (*httptest.ResponseRecorder, error) {
	r := httptest.NewRequest(method, path, bytes.NewReader(body)).WithContext(c.context())
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	if len(body) > 0 {
		r.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)
	return rec, nil
}

// RawGet gets the resource at path and decodes the JSON response body
// into result. It returns the http status code.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, map[string]string{}, result)
	return status, err
}

// RawGetWithHeader gets the resource at path with extra request headers
// and returns status and response headers alongside the decoded result.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	r := httptest.NewRequest(http.MethodGet, path, nil).WithContext(c.context())
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, r)

	status := rec.Code
	if status != http.StatusOK {
		return status, rec.Result().Header, fmt.Errorf("got status %d: %s", status, rec.Body.String())
	}
	if result != nil {
		err := json.Unmarshal(rec.Body.Bytes(), result)
		if err != nil {
			return status, rec.Result().Header, err
		}
	}
	return status, rec.Result().Header, nil
}

// Get gets the resource at path and expects success
func (c Client) Get(path string, result interface{}) (int, error) {
	return c.RawGet(path, result)
}

// RawPost posts body to path. Body can be a []byte or any
// JSON marshallable object.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	data, ok := body.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, err
		}
	}
	rec, err := c.do(http.MethodPost, path, data)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := rec.Code
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, fmt.Errorf("got status %d: %s", status, rec.Body.String())
	}
	if result != nil && rec.Body.Len() > 0 {
		err = json.Unmarshal(rec.Body.Bytes(), result)
		if err != nil {
			return status, err
		}
	}
	return status, nil
}

// RawDelete deletes the resource at path
func (c Client) RawDelete(path string) (int, error) {
	rec, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	status := rec.Code
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, fmt.Errorf("got status %d: %s", status, rec.Body.String())
	}
	return status, nil
}
