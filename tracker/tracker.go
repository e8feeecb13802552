// Package tracker is the Azure DevOps Work Item Tracking client used by the
// sync core: fetch epics, list them by type, read linked child stories, and
// create/update stories with parent-child links.
//
// Every call returns a classified *Error so callers can decide between
// retry (transient) and eviction (not found / forbidden) without string
// matching.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const apiVersion = "7.1"

// maxBodyBytes caps response reads; work-item payloads are small.
const maxBodyBytes = 10 * 1024 * 1024

// Epic is a tracked requirement work item. Read-only to the sync core.
type Epic struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	URL         string `json:"url,omitempty"`
}

// Story is a user story work item. A candidate story has ID 0; a persisted
// one carries the tracker-assigned ID.
type Story struct {
	ID                 int      `json:"id,omitempty"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	State              string   `json:"state,omitempty"`
	ParentID           int      `json:"parent_id,omitempty"`
}

// Persisted reports whether the story already exists in the tracker.
func (s *Story) Persisted() bool { return s.ID != 0 }

// Body renders the story description the way it is written to the tracker:
// description plus a bulleted acceptance-criteria block. Used both for the
// wire payload and for material-difference comparison against existing
// stories.
func (s *Story) Body() string {
	if len(s.AcceptanceCriteria) == 0 {
		return s.Description
	}
	var sb strings.Builder
	sb.WriteString(s.Description)
	sb.WriteString("<br><br><strong>Acceptance Criteria:</strong><br>")
	for i, c := range s.AcceptanceCriteria {
		if i > 0 {
			sb.WriteString("<br>")
		}
		sb.WriteString("• ")
		sb.WriteString(c)
	}
	return sb.String()
}

// Config configures the client.
type Config struct {
	// BaseURL is the service root. Default: https://dev.azure.com.
	BaseURL string `yaml:"base_url"`
	// Organization and Project scope every request.
	Organization string `yaml:"organization"`
	Project      string `yaml:"project"`
	// PAT is the personal access token used as basic-auth password.
	PAT string `yaml:"pat"`
	// EpicType is the work-item type queried for discovery. Default: Epic.
	EpicType string `yaml:"epic_type"`
	// StoryType is the work-item type created for stories. Default: User Story.
	StoryType string `yaml:"story_type"`
	// Timeout is the per-request HTTP timeout. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://dev.azure.com"
	}
	if c.EpicType == "" {
		c.EpicType = "Epic"
	}
	if c.StoryType == "" {
		c.StoryType = "User Story"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client talks to the work-item tracking REST API.
type Client struct {
	cfg    Config
	http   *http.Client
	auth   string
	logger *slog.Logger
}

// New creates a Client. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		auth:   "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+cfg.PAT)),
		logger: logger,
	}
}

// ParseWorkItemID extracts the numeric work-item ID from identifiers like
// "1234", "EPIC 1234", or "REQ-1234".
func ParseWorkItemID(s string) (int, error) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return strconv.Atoi(s[start:i])
		}
	}
	if start < 0 {
		return 0, fmt.Errorf("tracker: no numeric id in %q", s)
	}
	return strconv.Atoi(s[start:])
}

// --- Read operations ---

// GetEpic fetches one epic by numeric ID.
func (c *Client) GetEpic(ctx context.Context, id int) (*Epic, error) {
	var wi workItem
	path := fmt.Sprintf("/_apis/wit/workitems/%d", id)
	q := url.Values{"api-version": {apiVersion}, "$expand": {"none"}}
	if err := c.doJSON(ctx, "get_epic", http.MethodGet, path, q, nil, &wi); err != nil {
		return nil, err
	}
	return &Epic{
		ID:          wi.ID,
		Title:       wi.Fields.Title,
		Description: wi.Fields.Description,
		State:       wi.Fields.State,
		URL:         wi.URL,
	}, nil
}

// ListEpics runs a WIQL query for all work items of the configured epic
// type, optionally filtered by state, and returns them with full fields.
func (c *Client) ListEpics(ctx context.Context, stateFilter string) ([]Epic, error) {
	query := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.WorkItemType] = '%s' AND [System.TeamProject] = '%s'",
		c.cfg.EpicType, c.cfg.Project)
	if stateFilter != "" {
		query += fmt.Sprintf(" AND [System.State] = '%s'", stateFilter)
	}

	var wiql wiqlResult
	q := url.Values{"api-version": {apiVersion}}
	body := map[string]string{"query": query}
	if err := c.doJSON(ctx, "list_epics", http.MethodPost, "/_apis/wit/wiql", q, body, &wiql); err != nil {
		return nil, err
	}
	if len(wiql.WorkItems) == 0 {
		return nil, nil
	}

	ids := make([]int, 0, len(wiql.WorkItems))
	for _, ref := range wiql.WorkItems {
		ids = append(ids, ref.ID)
	}
	items, err := c.getWorkItems(ctx, "list_epics", ids)
	if err != nil {
		return nil, err
	}

	epics := make([]Epic, 0, len(items))
	for _, wi := range items {
		epics = append(epics, Epic{
			ID:          wi.ID,
			Title:       wi.Fields.Title,
			Description: wi.Fields.Description,
			State:       wi.Fields.State,
			URL:         wi.URL,
		})
	}
	return epics, nil
}

// GetLinkedStories returns the child stories currently linked to an epic.
// This is the ground truth the reconciler matches against — never the
// snapshot's cached ID list.
func (c *Client) GetLinkedStories(ctx context.Context, epicID int) ([]Story, error) {
	var wi workItem
	path := fmt.Sprintf("/_apis/wit/workitems/%d", epicID)
	q := url.Values{"api-version": {apiVersion}, "$expand": {"relations"}}
	if err := c.doJSON(ctx, "get_linked_stories", http.MethodGet, path, q, nil, &wi); err != nil {
		return nil, err
	}

	var childIDs []int
	for _, rel := range wi.Relations {
		if rel.Rel != "System.LinkTypes.Hierarchy-Forward" {
			continue
		}
		// Child work-item ID is the last path segment of the relation URL.
		idx := strings.LastIndexByte(rel.URL, '/')
		if idx < 0 {
			continue
		}
		id, err := strconv.Atoi(rel.URL[idx+1:])
		if err != nil {
			continue
		}
		childIDs = append(childIDs, id)
	}
	if len(childIDs) == 0 {
		return nil, nil
	}

	items, err := c.getWorkItems(ctx, "get_linked_stories", childIDs)
	if err != nil {
		return nil, err
	}
	stories := make([]Story, 0, len(items))
	for _, item := range items {
		stories = append(stories, Story{
			ID:          item.ID,
			Title:       item.Fields.Title,
			Description: item.Fields.Description,
			State:       item.Fields.State,
			ParentID:    epicID,
		})
	}
	return stories, nil
}

// --- Write operations ---

// CreateStory creates a story of the configured type and links it as a
// child of the epic. The returned story carries the assigned ID.
func (c *Client) CreateStory(ctx context.Context, epicID int, s Story) (*Story, error) {
	doc := []patchOp{
		{Op: "add", Path: "/fields/System.Title", Value: s.Title},
		{Op: "add", Path: "/fields/System.Description", Value: s.Body()},
	}

	var wi workItem
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s", url.PathEscape(c.cfg.Project), url.PathEscape(c.cfg.StoryType))
	q := url.Values{"api-version": {apiVersion}}
	if err := c.doPatch(ctx, "create_story", http.MethodPost, path, q, doc, &wi); err != nil {
		return nil, err
	}

	if epicID != 0 {
		if err := c.linkParentChild(ctx, epicID, wi.ID); err != nil {
			return nil, err
		}
	}

	created := s
	created.ID = wi.ID
	created.ParentID = epicID
	return &created, nil
}

// UpdateStory replaces a persisted story's title and description in place.
func (c *Client) UpdateStory(ctx context.Context, storyID int, s Story) (*Story, error) {
	doc := []patchOp{
		{Op: "replace", Path: "/fields/System.Title", Value: s.Title},
		{Op: "replace", Path: "/fields/System.Description", Value: s.Body()},
	}

	var wi workItem
	path := fmt.Sprintf("/_apis/wit/workitems/%d", storyID)
	q := url.Values{"api-version": {apiVersion}}
	if err := c.doPatch(ctx, "update_story", http.MethodPatch, path, q, doc, &wi); err != nil {
		return nil, err
	}

	updated := s
	updated.ID = storyID
	return &updated, nil
}

// linkParentChild adds a Hierarchy-Forward relation from the epic to the
// new story.
func (c *Client) linkParentChild(ctx context.Context, parentID, childID int) error {
	doc := []patchOp{{
		Op:   "add",
		Path: "/relations/-",
		Value: map[string]string{
			"rel": "System.LinkTypes.Hierarchy-Forward",
			"url": fmt.Sprintf("%s/%s/_apis/wit/workItems/%d", c.cfg.BaseURL, c.cfg.Organization, childID),
		},
	}}
	path := fmt.Sprintf("/_apis/wit/workitems/%d", parentID)
	q := url.Values{"api-version": {apiVersion}}
	return c.doPatch(ctx, "link_parent_child", http.MethodPatch, path, q, doc, &workItem{})
}

// --- Wire types ---

type workItemFields struct {
	Title       string `json:"System.Title"`
	Description string `json:"System.Description"`
	State       string `json:"System.State"`
}

type workItem struct {
	ID        int            `json:"id"`
	Fields    workItemFields `json:"fields"`
	Relations []relation     `json:"relations"`
	URL       string         `json:"url"`
}

type relation struct {
	Rel string `json:"rel"`
	URL string `json:"url"`
}

type wiqlResult struct {
	WorkItems []struct {
		ID int `json:"id"`
	} `json:"workItems"`
}

type batchResult struct {
	Count int        `json:"count"`
	Value []workItem `json:"value"`
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// getWorkItems fetches full fields for a batch of IDs.
func (c *Client) getWorkItems(ctx context.Context, op string, ids []int) ([]workItem, error) {
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.Itoa(id)
	}
	q := url.Values{
		"api-version": {apiVersion},
		"ids":         {strings.Join(strIDs, ",")},
		"fields":      {"System.Id,System.Title,System.Description,System.State"},
	}
	var batch batchResult
	if err := c.doJSON(ctx, op, http.MethodGet, "/_apis/wit/workitems", q, nil, &batch); err != nil {
		return nil, err
	}
	return batch.Value, nil
}

// --- HTTP plumbing ---

func (c *Client) doJSON(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	return c.do(ctx, op, method, path, q, body, "application/json", out)
}

func (c *Client) doPatch(ctx context.Context, op, method, path string, q url.Values, doc []patchOp, out any) error {
	return c.do(ctx, op, method, path, q, doc, "application/json-patch+json", out)
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body any, contentType string, out any) error {
	endpoint := c.cfg.BaseURL + "/" + url.PathEscape(c.cfg.Organization)
	// Project-scoped paths embed the project themselves.
	if !strings.HasPrefix(path, "/"+url.PathEscape(c.cfg.Project)) {
		endpoint += "/" + url.PathEscape(c.cfg.Project)
	}
	endpoint += path + "?" + q.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindInvalid, Op: op, Err: fmt.Errorf("encode body: %w", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return &Error{Kind: KindInvalid, Op: op, Err: err}
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind:   classify(resp.StatusCode),
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", firstLine(data)),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Kind: KindInvalid, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// firstLine trims an error body down to something loggable.
func firstLine(data []byte) string {
	s := strings.TrimSpace(string(data))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		s = "no response body"
	}
	return s
}
