package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/mtcrawl/kit"
)

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestAPIStack(t *testing.T) {
	var method, reqID, transport string
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		reqID = kit.GetRequestID(r.Context())
		transport = kit.GetTransport(r.Context())
		w.Write([]byte("ok"))
	}), APIStack()...)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/api/reports", nil))
	if method != http.MethodGet {
		t.Errorf("method: got %s, want GET", method)
	}
	if !strings.HasPrefix(reqID, "req_") || rec.Header().Get("X-Request-ID") != reqID {
		t.Errorf("request id: got %q, header %q", reqID, rec.Header().Get("X-Request-ID"))
	}
	if transport != "http" {
		t.Errorf("transport: got %q", transport)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("headers: got %v", rec.Header())
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if reqID != "client-1" {
		t.Errorf("client request id: got %q", reqID)
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("too long")))
	if readErr == nil {
		t.Error("want error reading past the limit")
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	var user string
	h := BasicAuth("admin", string(hash), "/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := kit.GetUser(r.Context()); u != "" {
			user = u
		}
	}))

	cases := []struct {
		name, path, user, pass string
		want                   int
	}{
		{"no credentials", "/api/runs", "", "", http.StatusUnauthorized},
		{"wrong password", "/api/runs", "admin", "nope", http.StatusUnauthorized},
		{"wrong user", "/api/runs", "root", "s3cret", http.StatusUnauthorized},
		{"valid", "/api/runs", "admin", "s3cret", http.StatusOK},
		{"public path", "/healthz", "", "", http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, c.path, nil)
			if c.user != "" {
				req.SetBasicAuth(c.user, c.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != c.want {
				t.Errorf("got %d, want %d", rec.Code, c.want)
			}
			if c.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate")
			}
		})
	}
	if user != "admin" {
		t.Errorf("context user: got %q", user)
	}

	open := BasicAuth("admin", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("auth disabled: got %d", rec.Code)
	}
}
