package api

import (
	"bytes"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"
)

// Request describes a single API call. It is safe to replay: bodies are
// rebuilt from the fields on every attempt.
type Request struct {
	Method string
	Path   string
	Query  url.Values

	// Body is sent as JSON.
	Body interface{}
	// Form and Files are sent as multipart/form-data.
	Form  map[string]string
	Files []File

	// Result receives the decoded JSON body of a 2xx response.
	Result interface{}

	// SkipAuth sends the request without a bearer token and surfaces a
	// 401 as a plain HTTPError. Used by login and registration.
	SkipAuth bool
}

// File is a binary multipart field.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Response is a successful API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Request) isMultipart() bool {
	return len(r.Files) > 0 || r.Form != nil
}

// build makes a fresh resty request for one attempt.
func (r *Request) build(rr *resty.Request, token string) *resty.Request {
	if token != "" {
		rr.SetAuthToken(token)
	}
	if len(r.Query) > 0 {
		rr.SetQueryParamsFromValues(r.Query)
	}
	switch {
	case r.isMultipart():
		rr.SetMultipartFormData(r.Form)
		for _, f := range r.Files {
			rr.SetMultipartField(f.Field, f.Name, f.ContentType, bytes.NewReader(f.Data))
		}
	case r.Body != nil:
		rr.SetHeader("Content-Type", "application/json")
		rr.SetBody(r.Body)
	}
	return rr
}

// Get builds a GET request decoding into result.
func Get(path string, result interface{}) *Request {
	return &Request{Method: http.MethodGet, Path: path, Result: result}
}

// Post builds a JSON POST request decoding into result.
func Post(path string, body, result interface{}) *Request {
	return &Request{Method: http.MethodPost, Path: path, Body: body, Result: result}
}

// PostForm builds a multipart POST request decoding into result.
func PostForm(path string, form map[string]string, files []File, result interface{}) *Request {
	if form == nil {
		form = map[string]string{}
	}
	return &Request{Method: http.MethodPost, Path: path, Form: form, Files: files, Result: result}
}
