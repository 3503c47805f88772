package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
)

type listRequest struct {
	Method string
	ListID string
	Hash   string
	Body   map[string]any
}

// listServer is an in-memory stand-in for the list members endpoints.
type listServer struct {
	*httptest.Server

	mu       sync.Mutex
	members  map[string]map[string]map[string]any
	failures map[string]int
	requests []listRequest
}

func newListServer() *listServer {
	s := &listServer{
		members:  map[string]map[string]map[string]any{},
		failures: map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// client returns an SDK client pointed at the server.
func (s *listServer) client() *mailchimp.Client {
	c, err := mailchimp.NewSDK("test-key-us6", mailchimp.WithBaseURL(s.URL+"/3.0/"))
	if err != nil {
		panic(err)
	}
	return c
}

func (s *listServer) addMember(listID, email string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[listID] == nil {
		s.members[listID] = map[string]map[string]any{}
	}
	s.members[listID][mailchimp.SubscriberHash(email)] = fields
}

// failList makes every request against listID answer with status.
func (s *listServer) failList(listID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[listID] = status
}

func (s *listServer) member(listID, email string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[listID][mailchimp.SubscriberHash(email)]
	return m, ok
}

func (s *listServer) recorded() []listRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]listRequest(nil), s.requests...)
}

func (s *listServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	// /3.0/lists/{list}/members[/{hash}]
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/3.0/"), "/")
	if len(parts) < 3 || parts[0] != "lists" || parts[2] != "members" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	req := listRequest{Method: r.Method, ListID: parts[1]}
	if len(parts) > 3 {
		req.Hash = parts[3]
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &req.Body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if status, ok := s.failures[req.ListID]; ok {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"title":"Internal Server Error"}`))
		return
	}

	list := s.members[req.ListID]
	if list == nil {
		list = map[string]map[string]any{}
		s.members[req.ListID] = list
	}

	switch r.Method {
	case http.MethodPost:
		email, _ := req.Body["email_address"].(string)
		hash := mailchimp.SubscriberHash(email)
		if _, ok := list[hash]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"title":"Member Exists","status":400}`))
			return
		}
		list[hash] = req.Body
		writeJSON(w, http.StatusOK, req.Body)

	case http.MethodPatch:
		m, ok := list[req.Hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"title":"Resource Not Found","status":404}`))
			return
		}
		for k, v := range req.Body {
			m[k] = v
		}
		writeJSON(w, http.StatusOK, m)

	case http.MethodDelete:
		if _, ok := list[req.Hash]; !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"title":"Resource Not Found","status":404}`))
			return
		}
		delete(list, req.Hash)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
