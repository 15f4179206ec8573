package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
)

const (
	defaultStateField = "location"
	defaultAgentField = "label"
	maxErrorBody      = 512
)

// HTTPSource talks to a JSON tracker API:
//
//	GET   <url>/items        -> {"items": [...]} or a bare array
//	PATCH <url>/items/<id>   <- compound transition payload
//
// The tracker encodes workflow state as loosely-typed custom attributes.
// They are decoded into WorkItem.State and WorkItem.AgentType here so the
// engine never sees raw attribute payloads.
type HTTPSource struct {
	baseURL    string
	token      string
	stateField string
	agentField string
	client     *http.Client
	logger     *logging.Logger
}

func NewHTTPSource(cfg model.SourceConfig, logger *logging.Logger) *HTTPSource {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &HTTPSource{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		stateField: cfg.StateField,
		agentField: cfg.AgentField,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
	if cfg.TokenEnv != "" {
		s.token = os.Getenv(cfg.TokenEnv)
	}
	if s.stateField == "" {
		s.stateField = defaultStateField
	}
	if s.agentField == "" {
		s.agentField = defaultAgentField
	}
	return s
}

func (s *HTTPSource) FetchPending(ctx context.Context) ([]model.WorkItem, error) {
	body, err := s.do(ctx, http.MethodGet, s.baseURL+"/items", nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetch items: invalid JSON response")
	}

	list := gjson.GetBytes(body, "items")
	if !list.Exists() {
		list = gjson.ParseBytes(body)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("fetch items: expected an array of items")
	}

	var items []model.WorkItem
	list.ForEach(func(_, raw gjson.Result) bool {
		item := s.decodeItem(raw)
		if item.ID == "" {
			s.logger.Warnf("item_skipped reason=missing_id")
			return true
		}
		items = append(items, item)
		return true
	})
	return items, nil
}

func (s *HTTPSource) decodeItem(raw gjson.Result) model.WorkItem {
	item := model.WorkItem{
		ID:            raw.Get("id").String(),
		Title:         raw.Get("title").String(),
		Description:   raw.Get("description").String(),
		DependsOn:     stringList(raw.Get("depends_on")),
		Dependents:    stringList(raw.Get("dependents")),
		ParentID:      raw.Get("parent_id").String(),
		CreatedAt:     raw.Get("created_at").String(),
		DueAt:         raw.Get("due_at").String(),
		PriorityTag:   raw.Get("priority").String(),
		GroupIDs:      stringList(raw.Get("groups")),
		CorrelationID: raw.Get("correlation_id").String(),
		Owner:         raw.Get("owner").String(),
		UpdatedAt:     raw.Get("updated_at").String(),
	}

	attrs := raw.Get("attributes").Map()
	item.State = attrString(attrs[s.stateField])
	item.AgentType = attrString(attrs[s.agentField])
	if item.State == "" {
		item.State = raw.Get("state").String()
	}
	if item.AgentType == "" {
		item.AgentType = raw.Get("agent_type").String()
	}
	return item
}

// attrString flattens a custom attribute value: a scalar, an object carrying
// name/value/label, or a list whose first element is one of those.
func attrString(r gjson.Result) string {
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return ""
	case r.IsArray():
		arr := r.Array()
		if len(arr) == 0 {
			return ""
		}
		return attrString(arr[0])
	case r.IsObject():
		for _, key := range []string{"name", "value", "label"} {
			if v := r.Get(key); v.Exists() {
				return attrString(v)
			}
		}
		return ""
	default:
		return strings.TrimSpace(r.String())
	}
}

func stringList(r gjson.Result) []string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	if !r.IsArray() {
		if v := r.String(); v != "" {
			return []string{v}
		}
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		if s := v.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *HTTPSource) WriteTransition(ctx context.Context, id string, tr model.Transition) error {
	payload, err := s.transitionPayload(tr)
	if err != nil {
		return fmt.Errorf("build transition payload: %w", err)
	}
	_, err = s.do(ctx, http.MethodPatch, s.baseURL+"/items/"+url.PathEscape(id), payload)
	if err != nil {
		return fmt.Errorf("write transition %s: %w", id, err)
	}
	return nil
}

// transitionPayload renders every transition field into one document so the
// tracker applies them in a single update.
func (s *HTTPSource) transitionPayload(tr model.Transition) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err == nil {
			payload, err = sjson.SetBytes(payload, path, value)
		}
	}
	if tr.State != "" {
		set("attributes."+escapePath(s.stateField), tr.State)
	}
	if tr.AgentType != "" {
		set("attributes."+escapePath(s.agentField), tr.AgentType)
	}
	if tr.CorrelationID != "" || tr.ResetCorrelation {
		set("correlation_id", tr.CorrelationID)
	}
	if tr.Owner != "" {
		set("owner", tr.Owner)
	}
	if tr.Comment != "" {
		set("comment", tr.Comment)
	}
	return payload, err
}

func escapePath(field string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return r.Replace(field)
}

func (s *HTTPSource) do(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound && method != http.MethodGet:
		return nil, ErrItemNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
