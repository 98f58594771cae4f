package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cashsettle/internal/model"
	"cashsettle/internal/repository"
	"cashsettle/internal/service"
	"cashsettle/internal/settlement"
	"cashsettle/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	beginReq   *service.BeginRequest
	beginErr   error
	intentErr  error
	intents    []string
	current    *service.CurrentView
	currentErr error
	detailErr  error
	machineErr error
	page       int
	pageSize   int
}

func (f *fakeService) Begin(_ context.Context, req *service.BeginRequest) (*service.BeginResponse, error) {
	f.beginReq = req
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &service.BeginResponse{SettlementNo: "CSH1", Status: "init", Amount: req.Amount}, nil
}

func (f *fakeService) record(name string) error {
	f.intents = append(f.intents, name)
	return f.intentErr
}

func (f *fakeService) RequestFix() error          { return f.record("fix") }
func (f *fakeService) RequestCancel() error       { return f.record("cancel") }
func (f *fakeService) RequestErrorRestore() error { return f.record("error_restore") }
func (f *fakeService) RequestErrorCancel() error  { return f.record("error_cancel") }

func (f *fakeService) Current(context.Context) (*service.CurrentView, error) {
	return f.current, f.currentErr
}

func (f *fakeService) Get(_ context.Context, settlementNo string) (*service.SettlementDetail, error) {
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return &service.SettlementDetail{Settlement: &model.CashSettlement{SettlementNo: settlementNo}}, nil
}

func (f *fakeService) List(_ context.Context, page, pageSize int) (*service.SettlementList, error) {
	f.page, f.pageSize = page, pageSize
	return &service.SettlementList{Page: page}, nil
}

func (f *fakeService) MachineStatus(context.Context) (settlement.MachineStatus, error) {
	return settlement.MachineStatus{State: "idle"}, f.machineErr
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r *gin.Engine, method, path, body string) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestBegin(t *testing.T) {
	svc := &fakeService{}
	r := SetupRouter(svc)

	env := do(t, r, http.MethodPost, "/api/v1/settlement/begin", `{"request_id":"r1","customer_ref":"C1","amount":1200}`)
	assert.Equal(t, response.CodeSuccess, env.Code)
	require.NotNil(t, svc.beginReq)
	assert.Equal(t, "r1", svc.beginReq.RequestID)
	assert.Equal(t, int64(1200), svc.beginReq.Amount)

	var resp service.BeginResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "CSH1", resp.SettlementNo)
}

func TestBegin_ZeroAmountAllowed(t *testing.T) {
	svc := &fakeService{}
	env := do(t, SetupRouter(svc), http.MethodPost, "/api/v1/settlement/begin", `{"request_id":"r1","amount":0}`)
	assert.Equal(t, response.CodeSuccess, env.Code)
}

func TestBegin_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing request id", `{"amount":100}`},
		{"negative amount", `{"request_id":"r1","amount":-5}`},
		{"malformed", `{"request_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			env := do(t, SetupRouter(svc), http.MethodPost, "/api/v1/settlement/begin", tt.body)
			assert.Equal(t, response.CodeParamError, env.Code)
			assert.Nil(t, svc.beginReq)
		})
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{service.ErrTerminalBusy, response.CodeTerminalBusy},
		{service.ErrRequestConflict, response.CodeDuplicateRequest},
		{service.ErrInvalidAmount, response.CodeParamError},
		{assert.AnError, response.CodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := &fakeService{beginErr: tt.err}
			env := do(t, SetupRouter(svc), http.MethodPost, "/api/v1/settlement/begin", `{"request_id":"r1","amount":1}`)
			assert.Equal(t, tt.code, env.Code)
			assert.Equal(t, tt.err.Error(), env.Message)
		})
	}
}

func TestIntents(t *testing.T) {
	svc := &fakeService{}
	r := SetupRouter(svc)

	for _, path := range []string{"fix", "cancel", "error/restore", "error/cancel"} {
		env := do(t, r, http.MethodPost, "/api/v1/settlement/"+path, "")
		assert.Equal(t, response.CodeSuccess, env.Code, path)
	}
	assert.Equal(t, []string{"fix", "cancel", "error_restore", "error_cancel"}, svc.intents)

	svc.intentErr = service.ErrNoActiveSettlement
	env := do(t, r, http.MethodPost, "/api/v1/settlement/fix", "")
	assert.Equal(t, response.CodeNoActiveSettlement, env.Code)
}

func TestCurrent(t *testing.T) {
	state := settlement.NewState(settlement.Billing{Amount: 1000})
	svc := &fakeService{current: &service.CurrentView{
		SettlementNo: "CSH1",
		Active:       true,
		Snapshot:     state.Snapshot(),
	}}

	env := do(t, SetupRouter(svc), http.MethodGet, "/api/v1/settlement/current", "")
	require.Equal(t, response.CodeSuccess, env.Code)

	var view service.CurrentView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "CSH1", view.SettlementNo)
	assert.Equal(t, settlement.StatusInit, view.Snapshot.Status.Kind)
	assert.Equal(t, int64(1000), view.Snapshot.ShortfallAmount)
}

func TestDetail(t *testing.T) {
	svc := &fakeService{}
	r := SetupRouter(svc)

	env := do(t, r, http.MethodGet, "/api/v1/settlement/detail", "")
	assert.Equal(t, response.CodeParamError, env.Code)

	env = do(t, r, http.MethodGet, "/api/v1/settlement/detail?settlement_no=CSH9", "")
	assert.Equal(t, response.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), "CSH9")

	svc.detailErr = repository.ErrSettlementNotFound
	env = do(t, r, http.MethodGet, "/api/v1/settlement/detail?settlement_no=CSH9", "")
	assert.Equal(t, response.CodeSettlementNotFound, env.Code)
}

func TestList(t *testing.T) {
	svc := &fakeService{}
	env := do(t, SetupRouter(svc), http.MethodGet, "/api/v1/settlement/list?page=2&page_size=5", "")
	assert.Equal(t, response.CodeSuccess, env.Code)
	assert.Equal(t, 2, svc.page)
	assert.Equal(t, 5, svc.pageSize)
}

func TestDeviceStatus(t *testing.T) {
	svc := &fakeService{}
	r := SetupRouter(svc)

	env := do(t, r, http.MethodGet, "/api/v1/device/status", "")
	assert.Equal(t, response.CodeSuccess, env.Code)
	assert.Contains(t, string(env.Data), `"state":"idle"`)

	svc.machineErr = assert.AnError
	env = do(t, r, http.MethodGet, "/api/v1/device/status", "")
	assert.Equal(t, response.CodeDeviceUnavailable, env.Code)
}

func TestHealthAndCORS(t *testing.T) {
	r := SetupRouter(&fakeService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/settlement/fix", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
