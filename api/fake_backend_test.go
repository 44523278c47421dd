package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
)

const refreshGateTimeout = 2 * time.Second

// fakeBackend is an LMS backend double. Data endpoints accept only the
// current valid token.
type fakeBackend struct {
	srv *httptest.Server

	mu                 sync.Mutex
	validToken         string
	alwaysUnauthorized bool
	refreshStatus      int
	refreshAccess      string
	refreshRefresh     string
	refreshTokensSeen  []string
	refreshCalls       int
	dataCalls          int
	unauthorized       int
	authorizedTokens   map[string]int
	requestIDs         []string
	uploads            []upload

	// refreshGate, when set, holds the refresh answer until the given
	// number of 401s has been served.
	refreshGate    int
	gateOpened     chan struct{}
	gateOpenedOnce sync.Once
}

type upload struct {
	Form     map[string]string
	FileName string
	FileType string
	FileData string
}

func newFakeBackend() *fakeBackend {
	router := httprouter.New()
	b := &fakeBackend{
		validToken:       "tok1",
		refreshAccess:    "tok2",
		refreshRefresh:   "ref2",
		authorizedTokens: make(map[string]int),
		gateOpened:       make(chan struct{}),
	}

	router.POST(DefaultRefreshPath, b.handleRefresh)
	router.GET("/api/courses/:id", b.handleCourse)
	router.GET("/api/missing", func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(rw, http.StatusNotFound, map[string]string{"error": "Course not found"})
	})
	router.POST("/api/auth/login", func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
	})
	router.POST("/api/upload", b.handleUpload)

	b.srv = httptest.NewServer(router)
	return b
}

func (b *fakeBackend) Close() {
	b.srv.Close()
}

func (b *fakeBackend) URL() string {
	return b.srv.URL
}

func (b *fakeBackend) handleRefresh(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	b.refreshCalls++
	b.refreshTokensSeen = append(b.refreshTokensSeen, req.RefreshToken)
	gate := b.refreshGate
	b.mu.Unlock()

	if gate > 0 {
		select {
		case <-b.gateOpened:
		case <-time.After(refreshGateTimeout):
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refreshStatus != 0 {
		writeJSON(rw, b.refreshStatus, map[string]string{"error": "Invalid refresh token"})
		return
	}
	b.validToken = b.refreshAccess
	writeJSON(rw, http.StatusOK, refreshResponse{AccessToken: b.refreshAccess, RefreshToken: b.refreshRefresh})
}

func (b *fakeBackend) handleCourse(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	b.mu.Lock()
	b.dataCalls++
	b.requestIDs = append(b.requestIDs, r.Header.Get(requestIDHeader))
	if b.alwaysUnauthorized || token == "" || token != b.validToken {
		b.unauthorized++
		if b.refreshGate > 0 && b.unauthorized >= b.refreshGate {
			b.gateOpenedOnce.Do(func() { close(b.gateOpened) })
		}
		b.mu.Unlock()
		writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "jwt expired"})
		return
	}
	b.authorizedTokens[token]++
	b.mu.Unlock()

	writeJSON(rw, http.StatusOK, map[string]string{"id": ps.ByName("id"), "title": "Course " + ps.ByName("id")})
}

func (b *fakeBackend) handleUpload(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	up := upload{Form: make(map[string]string)}
	for key, values := range r.MultipartForm.Value {
		up.Form[key] = values[0]
	}
	if files := r.MultipartForm.File["image"]; len(files) > 0 {
		up.FileName = files[0].Filename
		up.FileType = files[0].Header.Get("Content-Type")
		if f, err := files[0].Open(); err == nil {
			data, _ := io.ReadAll(f)
			up.FileData = string(data)
			f.Close()
		}
	}

	b.mu.Lock()
	b.uploads = append(b.uploads, up)
	b.mu.Unlock()

	writeJSON(rw, http.StatusCreated, map[string]string{"message": "stored"})
}

func (b *fakeBackend) stats() (refreshCalls, dataCalls, unauthorized int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls, b.dataCalls, b.unauthorized
}

func (b *fakeBackend) authorizedWith(token string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authorizedTokens[token]
}

func writeJSON(rw http.ResponseWriter, code int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
