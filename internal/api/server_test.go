package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illegalcall/skillchat/internal/chat"
	"github.com/illegalcall/skillchat/internal/config"
	"github.com/illegalcall/skillchat/internal/conversation"
	"github.com/illegalcall/skillchat/internal/ledger"
	"github.com/illegalcall/skillchat/internal/models"
	"github.com/illegalcall/skillchat/internal/pricing"
)

const testSecret = "test-secret"

// stubChat stands in for the orchestrator, which has its own tests.
type stubChat struct {
	result      *models.ChatResult
	err         error
	gotCustomer string
	gotRequest  models.ChatRequest
}

func (s *stubChat) Handle(_ context.Context, customerID string, req models.ChatRequest) (*models.ChatResult, error) {
	s.gotCustomer = customerID
	s.gotRequest = req
	return s.result, s.err
}

// setupTestServer wires the real catalog, ledger and store over sqlmock and miniredis.
func setupTestServer(t *testing.T) (*Server, sqlmock.Sqlmock, *stubChat) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")

	miniRedis, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(miniRedis.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: miniRedis.Addr()})

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:          ":0",
			MaxRequests:   1000,
			RequestWindow: time.Minute,
		},
		JWT: config.JWTConfig{
			Secret:     testSecret,
			AdminClaim: "admin",
		},
	}

	stub := &stubChat{}
	server := NewServer(cfg, Services{
		Chat:          stub,
		Ledger:        ledger.New(db, nil, nil),
		Conversations: conversation.NewStore(db),
		Pricing:       pricing.NewCatalog(db, redisClient, time.Minute, nil),
	}, nil)
	return server, mock, stub
}

func bearer(t *testing.T, customerID string, admin bool) string {
	t.Helper()
	token, err := IssueToken(testSecret, customerID, "admin", admin, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}, auth string) (int, models.APIResponse) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope models.APIResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &envelope), string(raw))
	}
	return resp.StatusCode, envelope
}

func TestChatRequiresToken(t *testing.T) {
	server, _, stub := setupTestServer(t)

	status, body := doRequest(t, server, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.False(t, body.Success)

	status, _ = doRequest(t, server, http.MethodPost, "/api/chat", map[string]string{"message": "hi"}, "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Empty(t, stub.gotCustomer)
}

func TestHandleChatSuccess(t *testing.T) {
	server, _, stub := setupTestServer(t)
	stub.result = &models.ChatResult{
		ConversationID: "conv-1",
		Message:        models.ChatMessage{Role: models.RoleAssistant, Content: "All values are in range."},
		SkillsUsed:     []string{"lab-result-interpreter"},
		CreditsAfter:   90,
	}

	status, body := doRequest(t, server, http.MethodPost, "/api/chat", map[string]string{
		"message":          "Explain my CBC",
		"workloadLevel":    "standard",
		"selectedFunction": "lab",
		"fileUrl":          "https://files.example.com/cbc.pdf",
	}, bearer(t, "cust-1", false))

	require.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	assert.Equal(t, "cust-1", stub.gotCustomer)
	assert.Equal(t, models.WorkloadStandard, stub.gotRequest.WorkloadLevel)
	assert.Equal(t, models.FunctionLab, stub.gotRequest.SelectedFunction)
	assert.Equal(t, "https://files.example.com/cbc.pdf", stub.gotRequest.FileURL)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, "conv-1", data["conversationId"])
	assert.Equal(t, float64(90), data["creditsAfter"])
	assert.Equal(t, "assistant", data["message"].(map[string]interface{})["role"])
}

func TestHandleChatErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "validation",
			err:        fmt.Errorf("%w: message or file is required", chat.ErrInvalidRequest),
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request: message or file is required",
		},
		{name: "model not found", err: chat.ErrModelNotFound, wantStatus: http.StatusBadRequest, wantError: "model not found"},
		{
			name:       "insufficient credits",
			err:        &chat.InsufficientCreditsError{Current: 5, Required: 10},
			wantStatus: http.StatusBadRequest,
			wantError:  "insufficient credits: you have 5 credits but this model requires 10",
		},
		{name: "forbidden", err: chat.ErrConversationForbidden, wantStatus: http.StatusForbidden, wantError: chat.ErrConversationForbidden.Error()},
		{
			name:       "debit rejected",
			err:        &chat.DebitRejectedError{Reason: "insufficient credits: have 4, need 10"},
			wantStatus: http.StatusBadRequest,
			wantError:  "insufficient credits: have 4, need 10",
		},
		{name: "skill unavailable", err: chat.ErrSkillUnavailable, wantStatus: http.StatusServiceUnavailable, wantError: "AI service unavailable"},
		{name: "internal", err: errors.New("pq: connection refused"), wantStatus: http.StatusInternalServerError, wantError: "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, stub := setupTestServer(t)
			stub.err = tt.err

			status, body := doRequest(t, server, http.MethodPost, "/api/chat",
				map[string]string{"message": "hi", "workloadLevel": "basic"}, bearer(t, "cust-1", false))
			assert.Equal(t, tt.wantStatus, status)
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestHandleChatInvalidBody(t *testing.T) {
	server, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, "cust-1", false))

	resp, err := server.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetCredits(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	mock.ExpectQuery(`SELECT credits FROM customers WHERE id = \$1`).WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(42))

	status, body := doRequest(t, server, http.MethodGet, "/api/credits", nil, bearer(t, "cust-1", false))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(42), body.Data.(map[string]interface{})["credits"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleCreditHistory(t *testing.T) {
	server, mock, _ := setupTestServer(t)
	columns := []string{"id", "customer_id", "conversation_id", "kind", "model_name", "reason",
		"credits_cost", "credits_before", "credits_after", "refund_of", "created_at"}

	mock.ExpectQuery(`FROM credit_transactions`).WithArgs("cust-1", 5).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("tx-1", "cust-1", "conv-1", "debit", "m", "", 10, 100, 90, nil, time.Now()))

	status, body := doRequest(t, server, http.MethodGet, "/api/credits/history?limit=5", nil, bearer(t, "cust-1", false))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Data.([]interface{}), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleListMessagesOwnership(t *testing.T) {
	server, mock, _ := setupTestServer(t)
	now := time.Now()
	convColumns := []string{"id", "customer_id", "title", "workload_level", "selected_function", "model_name", "created_at", "updated_at"}

	mock.ExpectQuery(`FROM conversations WHERE id = \$1`).WithArgs("conv-9").
		WillReturnRows(sqlmock.NewRows(convColumns).AddRow("conv-9", "cust-2", "t", "basic", nil, "m", now, now))
	mock.ExpectQuery(`FROM conversations WHERE id = \$1`).WithArgs("conv-missing").
		WillReturnRows(sqlmock.NewRows(convColumns))

	status, _ := doRequest(t, server, http.MethodGet, "/api/conversations/conv-9/messages", nil, bearer(t, "cust-1", false))
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = doRequest(t, server, http.MethodGet, "/api/conversations/conv-missing/messages", nil, bearer(t, "cust-1", false))
	assert.Equal(t, http.StatusForbidden, status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleListMessages(t *testing.T) {
	server, mock, _ := setupTestServer(t)
	now := time.Now()

	mock.ExpectQuery(`FROM conversations WHERE id = \$1`).WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "title", "workload_level", "selected_function", "model_name", "created_at", "updated_at"}).
			AddRow("conv-1", "cust-1", "t", "basic", nil, "m", now, now))
	mock.ExpectQuery(`FROM messages`).WithArgs("conv-1", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "file_url", "file_name", "file_type", "created_at"}).
			AddRow("m1", "conv-1", "user", "hi", nil, nil, nil, now))

	status, body := doRequest(t, server, http.MethodGet, "/api/conversations/conv-1/messages", nil, bearer(t, "cust-1", false))
	require.Equal(t, http.StatusOK, status)
	messages := body.Data.(map[string]interface{})["messages"].([]interface{})
	assert.Len(t, messages, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleListModelsIsPublic(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	mock.ExpectQuery(`FROM model_pricing WHERE is_active = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"model_name", "display_name", "credits_cost", "is_active", "updated_at"}).
			AddRow("claude-sonnet-4-5-20250929", "Claude Sonnet 4.5", 10, true, time.Now()))

	status, body := doRequest(t, server, http.MethodGet, "/api/models", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body.Data.([]interface{}), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminRoutesRequireAdminClaim(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	status, _ := doRequest(t, server, http.MethodPost, "/api/admin/customers/cust-7", map[string]int64{"credits": 100}, bearer(t, "cust-1", false))
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = doRequest(t, server, http.MethodPost, "/api/admin/customers/cust-7", map[string]int64{"credits": 100}, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleOpenAccount(t *testing.T) {
	server, mock, _ := setupTestServer(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO customers`).WithArgs("cust-7", int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "credits", "created_at", "updated_at"}).AddRow("cust-7", 100, now, now))
	mock.ExpectQuery(`INSERT INTO credit_transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	status, body := doRequest(t, server, http.MethodPost, "/api/admin/customers/cust-7", map[string]int64{"credits": 100}, bearer(t, "ops", true))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, float64(100), body.Data.(map[string]interface{})["credits"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleGrantCredits(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT credits FROM customers WHERE id = \$1 FOR UPDATE`).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}))
	mock.ExpectRollback()

	status, _ := doRequest(t, server, http.MethodPost, "/api/admin/credits/ghost",
		map[string]interface{}{"amount": 50, "reason": "goodwill"}, bearer(t, "ops", true))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doRequest(t, server, http.MethodPost, "/api/admin/credits/cust-1",
		map[string]interface{}{"amount": 0}, bearer(t, "ops", true))
	assert.Equal(t, http.StatusBadRequest, status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleDeactivateModel(t *testing.T) {
	server, mock, _ := setupTestServer(t)

	mock.ExpectExec(`UPDATE model_pricing SET is_active = \$1`).WithArgs(false, "claude-haiku").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE model_pricing SET is_active = \$1`).WithArgs(false, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	status, _ := doRequest(t, server, http.MethodPost, "/api/admin/models/claude-haiku/deactivate", nil, bearer(t, "ops", true))
	assert.Equal(t, http.StatusOK, status)

	status, _ = doRequest(t, server, http.MethodPost, "/api/admin/models/ghost/deactivate", nil, bearer(t, "ops", true))
	assert.Equal(t, http.StatusNotFound, status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "go_goroutines")
}

func TestIssueTokenRequiresCustomer(t *testing.T) {
	_, err := IssueToken(testSecret, "", "admin", false, time.Hour)
	assert.Error(t, err)
}
