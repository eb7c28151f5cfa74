// Package skill talks to the external skill execution service.
package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"github.com/illegalcall/skillchat/internal/metrics"
	"github.com/illegalcall/skillchat/internal/models"
)

const chatPath = "/v1/chat"

// maxErrorBody caps how much of a failed response is kept for logging.
const maxErrorBody = 512

// A session idle for sessionIdleTTL is dropped; the next turn of that
// conversation gets a fresh correlation token.
const (
	sessionIdleTTL       = 24 * time.Hour
	sessionSweepInterval = time.Hour
)

// Session carries the correlation token the service uses to tie the turns of
// one conversation together.
type Session struct {
	ConversationID   string
	CorrelationToken string
}

// Request is one chat turn as the orchestrator hands it over.
type Request struct {
	Message       string
	WorkloadLevel models.WorkloadLevel
	Function      models.FunctionCategory
	File          *models.FileRef
	History       []models.ChatMessage
	ModelName     string
}

type Response struct {
	Content    string
	SkillsUsed []string
	Metadata   map[string]interface{}
}

// SkillServiceError is the single failure type of Send. Transport errors,
// timeouts, non-2xx statuses, undecodable bodies and error envelopes all map to it.
type SkillServiceError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SkillServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("skill service failed with status %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("skill service failed: %s: %v", e.Message, e.Err)
	}
	return "skill service failed: " + e.Message
}

func (e *SkillServiceError) Unwrap() error { return e.Err }

type wireContext struct {
	WorkloadLevel models.WorkloadLevel    `json:"workloadLevel"`
	FunctionType  models.FunctionCategory `json:"functionType,omitempty"`
	FileURL       string                  `json:"fileUrl,omitempty"`
	FileName      string                  `json:"fileName,omitempty"`
	FileType      string                  `json:"fileType,omitempty"`
}

type wireRequest struct {
	Query               string               `json:"query"`
	Skills              []string             `json:"skills"`
	Context             wireContext          `json:"context"`
	ConversationHistory []models.ChatMessage `json:"conversationHistory"`
	Model               string               `json:"model,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sessions   *cache.Cache // conversation id -> *Session
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient returns a client whose every call is bounded by timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		sessions:   cache.New(sessionIdleTTL, sessionSweepInterval),
		logger:     logger,
		metrics:    metrics.Get(),
	}
}

// Session returns the session for a conversation, creating its correlation
// token on first use.
func (c *Client) Session(conversationID string) *Session {
	if s, ok := c.sessions.Get(conversationID); ok {
		session := s.(*Session)
		c.sessions.SetDefault(conversationID, session)
		return session
	}

	session := &Session{
		ConversationID:   conversationID,
		CorrelationToken: uuid.NewString(),
	}
	if err := c.sessions.Add(conversationID, session, cache.DefaultExpiration); err != nil {
		// Another turn of the same conversation created it first.
		if s, ok := c.sessions.Get(conversationID); ok {
			return s.(*Session)
		}
	}
	return session
}

// Send performs one skill call. Partial output never counts as success: the
// call either yields non-empty content or fails with *SkillServiceError.
func (c *Client) Send(ctx context.Context, session *Session, req Request) (*Response, error) {
	start := time.Now()
	resp, err := c.send(ctx, session, req)

	result := "success"
	if err != nil {
		result = "error"
	}
	c.metrics.SkillCallDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return resp, err
}

func (c *Client) send(ctx context.Context, session *Session, req Request) (*Response, error) {
	body := wireRequest{
		Query:               req.Message,
		Skills:              SuggestSkills(req.Function, req.WorkloadLevel),
		Context:             wireContext{WorkloadLevel: req.WorkloadLevel, FunctionType: req.Function},
		ConversationHistory: req.History,
		Model:               req.ModelName,
	}
	if body.ConversationHistory == nil {
		body.ConversationHistory = []models.ChatMessage{}
	}
	if req.File != nil {
		body.Context.FileURL = req.File.URL
		body.Context.FileName = req.File.Name
		body.Context.FileType = req.File.Type
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &SkillServiceError{Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, &SkillServiceError{Message: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if session != nil {
		httpReq.Header.Set("X-Session-ID", session.CorrelationToken)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &SkillServiceError{Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &SkillServiceError{StatusCode: httpResp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &SkillServiceError{Message: "failed to read response body", Err: err}
	}
	resp, err := decodeResponse(raw)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Skill call completed",
		"conversation_id", sessionConversation(session),
		"skills_used", resp.SkillsUsed,
	)
	return resp, nil
}

// decodeResponse accepts the error field both as a plain string and as an
// object with a message, since the service has used both shapes.
func decodeResponse(raw []byte) (*Response, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &SkillServiceError{Message: "malformed response body"}
	}
	data := gjson.ParseBytes(raw)
	if !data.IsObject() {
		return nil, &SkillServiceError{Message: "malformed response body"}
	}

	if message := errorMessage(data.Get("error")); message != "" {
		return nil, &SkillServiceError{Message: message}
	}

	content := data.Get("content").String()
	if strings.TrimSpace(content) == "" {
		return nil, &SkillServiceError{Message: "empty response content"}
	}

	skillsUsed := []string{}
	for _, name := range data.Get("skillsUsed").Array() {
		skillsUsed = append(skillsUsed, name.String())
	}

	var metadata map[string]interface{}
	if m, ok := data.Get("metadata").Value().(map[string]interface{}); ok {
		metadata = m
	}

	return &Response{
		Content:    content,
		SkillsUsed: skillsUsed,
		Metadata:   metadata,
	}, nil
}

// errorMessage reads the error field. Only a string or an object carrying a
// message is an error; null, false and 0 are not.
func errorMessage(e gjson.Result) string {
	switch {
	case e.Type == gjson.String:
		return strings.TrimSpace(e.String())
	case e.IsObject():
		if m := e.Get("message"); m.Type == gjson.String {
			return strings.TrimSpace(m.String())
		}
	}
	return ""
}

func sessionConversation(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ConversationID
}
