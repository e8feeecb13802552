package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		Organization: "org",
		Project:      "proj",
		PAT:          "secret",
	}, nil)
}

func TestParseWorkItemID(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1234", 1234, false},
		{"EPIC 42", 42, false},
		{"REQ-456", 456, false},
		{"epic-7-final", 7, false},
		{"no digits", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseWorkItemID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseWorkItemID(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseWorkItemID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWorkItemID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStoryBody(t *testing.T) {
	// WHAT: Acceptance criteria render as a bulleted HTML block under the
	// description.
	// WHY: The tracker's description field is HTML; this is also the text
	// compared for material difference, so the format must be stable.
	s := Story{
		Description:        "As a user, I want SSO.",
		AcceptanceCriteria: []string{"Login via IdP", "Session expires after 8h"},
	}
	body := s.Body()
	if !strings.HasPrefix(body, "As a user, I want SSO.") {
		t.Errorf("body missing description: %q", body)
	}
	if !strings.Contains(body, "<strong>Acceptance Criteria:</strong>") {
		t.Errorf("body missing criteria heading: %q", body)
	}
	if !strings.Contains(body, "• Login via IdP<br>• Session expires after 8h") {
		t.Errorf("body criteria malformed: %q", body)
	}

	plain := Story{Description: "Just text"}
	if plain.Body() != "Just text" {
		t.Errorf("body without criteria = %q", plain.Body())
	}
}

func TestGetEpic(t *testing.T) {
	// WHAT: GetEpic maps work-item fields and sends PAT basic auth.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/org/proj/_apis/wit/workitems/42" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
			t.Error("missing basic auth header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": 42,
			"fields": map[string]string{
				"System.Title":       "Login",
				"System.Description": "Add SSO",
				"System.State":       "New",
			},
			"url": "http://ado/42",
		})
	})

	epic, err := c.GetEpic(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetEpic: %v", err)
	}
	if epic.ID != 42 || epic.Title != "Login" || epic.Description != "Add SSO" || epic.State != "New" {
		t.Errorf("epic = %+v", epic)
	}
}

func TestGetEpicNotFound(t *testing.T) {
	// WHAT: A 404 surfaces as a NotFound tracker error.
	// WHY: The monitor evicts on NotFound; misclassification would retry
	// a deleted epic forever.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "work item does not exist", http.StatusNotFound)
	})

	_, err := c.GetEpic(context.Background(), 99)
	if !IsNotFound(err) {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if IsTransient(err) {
		t.Fatal("NotFound must not be transient")
	}
	if !IsEvictable(err) {
		t.Fatal("NotFound must be evictable")
	}
}

func TestGetEpicServerError(t *testing.T) {
	// WHAT: 5xx classifies as transient.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})

	_, err := c.GetEpic(context.Background(), 1)
	if !IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
}

func TestListEpics(t *testing.T) {
	// WHAT: WIQL query IDs are resolved to full epics via the batch
	// endpoint.
	var wiqlQuery string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/org/proj/_apis/wit/wiql":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			wiqlQuery = body["query"]
			json.NewEncoder(w).Encode(map[string]any{
				"workItems": []map[string]int{{"id": 1}, {"id": 2}},
			})
		case "/org/proj/_apis/wit/workitems":
			if ids := r.URL.Query().Get("ids"); ids != "1,2" {
				t.Errorf("ids = %q", ids)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"count": 2,
				"value": []map[string]any{
					{"id": 1, "fields": map[string]string{"System.Title": "A", "System.State": "New"}},
					{"id": 2, "fields": map[string]string{"System.Title": "B", "System.State": "Active"}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	epics, err := c.ListEpics(context.Background(), "New")
	if err != nil {
		t.Fatalf("ListEpics: %v", err)
	}
	if len(epics) != 2 {
		t.Fatalf("got %d epics, want 2", len(epics))
	}
	if !strings.Contains(wiqlQuery, "[System.WorkItemType] = 'Epic'") {
		t.Errorf("wiql missing type filter: %q", wiqlQuery)
	}
	if !strings.Contains(wiqlQuery, "[System.State] = 'New'") {
		t.Errorf("wiql missing state filter: %q", wiqlQuery)
	}
}

func TestGetLinkedStories(t *testing.T) {
	// WHAT: Hierarchy-Forward relations resolve to child stories; other
	// relation kinds are ignored.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/org/proj/_apis/wit/workitems/10":
			json.NewEncoder(w).Encode(map[string]any{
				"id": 10,
				"relations": []map[string]string{
					{"rel": "System.LinkTypes.Hierarchy-Forward", "url": "http://ado/_apis/wit/workItems/11"},
					{"rel": "System.LinkTypes.Hierarchy-Forward", "url": "http://ado/_apis/wit/workItems/12"},
					{"rel": "AttachedFile", "url": "http://ado/_apis/wit/attachments/99"},
				},
			})
		case "/org/proj/_apis/wit/workitems":
			json.NewEncoder(w).Encode(map[string]any{
				"count": 2,
				"value": []map[string]any{
					{"id": 11, "fields": map[string]string{"System.Title": "Story A"}},
					{"id": 12, "fields": map[string]string{"System.Title": "Story B"}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	stories, err := c.GetLinkedStories(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetLinkedStories: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("got %d stories, want 2", len(stories))
	}
	if stories[0].ID != 11 || stories[0].ParentID != 10 {
		t.Errorf("story = %+v", stories[0])
	}
}

func TestGetLinkedStoriesEmpty(t *testing.T) {
	// WHAT: An epic with no child relations yields an empty list, no
	// batch call.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/org/proj/_apis/wit/workitems/10" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 10})
	})

	stories, err := c.GetLinkedStories(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetLinkedStories: %v", err)
	}
	if len(stories) != 0 {
		t.Fatalf("got %d stories, want 0", len(stories))
	}
}

func TestCreateStory(t *testing.T) {
	// WHAT: Create posts a json-patch document, then links the child to
	// the parent epic.
	var linked bool
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/org/proj/_apis/wit/workitems/$User Story":
			if ct := r.Header.Get("Content-Type"); ct != "application/json-patch+json" {
				t.Errorf("content-type = %q", ct)
			}
			var doc []map[string]any
			json.NewDecoder(r.Body).Decode(&doc)
			if len(doc) != 2 || doc[0]["path"] != "/fields/System.Title" {
				t.Errorf("patch doc = %+v", doc)
			}
			json.NewEncoder(w).Encode(map[string]any{"id": 77})
		case "/org/proj/_apis/wit/workitems/5":
			if r.Method != http.MethodPatch {
				t.Errorf("method = %s", r.Method)
			}
			var doc []map[string]any
			json.NewDecoder(r.Body).Decode(&doc)
			if doc[0]["path"] != "/relations/-" {
				t.Errorf("link doc = %+v", doc)
			}
			linked = true
			json.NewEncoder(w).Encode(map[string]any{"id": 5})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	created, err := c.CreateStory(context.Background(), 5, Story{Title: "New story", Description: "Body"})
	if err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	if created.ID != 77 || created.ParentID != 5 {
		t.Errorf("created = %+v", created)
	}
	if !linked {
		t.Error("parent-child link was not created")
	}
}

func TestUpdateStory(t *testing.T) {
	// WHAT: Update patches title and description with replace ops.
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/org/proj/_apis/wit/workitems/77" || r.Method != http.MethodPatch {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var doc []map[string]any
		json.NewDecoder(r.Body).Decode(&doc)
		if doc[0]["op"] != "replace" {
			t.Errorf("doc = %+v", doc)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 77})
	})

	updated, err := c.UpdateStory(context.Background(), 77, Story{Title: "T", Description: "D"})
	if err != nil {
		t.Fatalf("UpdateStory: %v", err)
	}
	if updated.ID != 77 {
		t.Errorf("updated = %+v", updated)
	}
}
