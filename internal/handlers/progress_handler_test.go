package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/jangji/backend/internal/auth"
	"github.com/jangji/backend/internal/middleware"
	"github.com/jangji/backend/internal/models"
	"github.com/jangji/backend/internal/reconcile"
	"github.com/jangji/backend/internal/repositories"
	"github.com/jangji/backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "4d1e7f0c2b9a8e6d5c3b1a0f9e8d7c6b"

// mockSyncService is a mock implementation of SyncService
type mockSyncService struct {
	record     *models.ProgressRecord
	err        error
	calls      int
	lastOwner  string
	lastClient *models.ProgressRecord
}

func (m *mockSyncService) Sync(ctx context.Context, ownerID string, client *models.ProgressRecord) (*models.ProgressRecord, error) {
	m.calls++
	m.lastOwner = ownerID
	m.lastClient = client
	if m.err != nil {
		return nil, m.err
	}
	return m.record, nil
}

func (m *mockSyncService) GetProgress(ctx context.Context, ownerID string) (*models.ProgressRecord, error) {
	m.calls++
	m.lastOwner = ownerID
	if m.err != nil {
		return nil, m.err
	}
	return m.record, nil
}

func setupRouter(svc SyncService) (*chi.Mux, *auth.TokenValidator) {
	validator := auth.NewTokenValidator(testSecret, time.Hour)
	handler := NewProgressHandler(svc, zap.NewNop())

	r := chi.NewRouter()
	handler.RegisterRoutes(r, middleware.AuthMiddleware(validator))
	return r, validator
}

func bearer(t *testing.T, validator *auth.TokenValidator, ownerID string) string {
	t.Helper()
	token, err := validator.GenerateAccessToken(ownerID)
	require.NoError(t, err)
	return "Bearer " + token
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNewProgressHandler(t *testing.T) {
	logger := zap.NewNop()
	svc := &mockSyncService{}

	handler := NewProgressHandler(svc, logger)

	assert.NotNil(t, handler)
	assert.Equal(t, svc, handler.service)
	assert.Equal(t, logger, handler.logger)
}

func TestProgressHandler_Sync(t *testing.T) {
	stored := &models.ProgressRecord{
		OwnerID:    "owner-1",
		LastSurah:  2,
		LastAyah:   255,
		LastReadAt: 100,
		Bookmarks:  []models.Bookmark{{Surah: 2, Ayah: 255, Timestamp: 100}},
	}

	tests := []struct {
		name           string
		body           string
		authorized     bool
		mockService    *mockSyncService
		expectedStatus int
		expectedError  string
		expectedData   bool
		expectedCalls  int
	}{
		{
			name:           "success with client progress",
			body:           `{"clientProgress":{"ownerId":"owner-1","lastSurah":2,"lastAyah":255,"lastReadAt":100,"bookmarks":[]}}`,
			authorized:     true,
			mockService:    &mockSyncService{record: stored},
			expectedStatus: http.StatusOK,
			expectedData:   true,
			expectedCalls:  1,
		},
		{
			name:           "success with null client progress",
			body:           `{"clientProgress":null}`,
			authorized:     true,
			mockService:    &mockSyncService{record: stored},
			expectedStatus: http.StatusOK,
			expectedData:   true,
			expectedCalls:  1,
		},
		{
			name:           "nothing on either side",
			body:           `{}`,
			authorized:     true,
			mockService:    &mockSyncService{},
			expectedStatus: http.StatusOK,
			expectedCalls:  1,
		},
		{
			name:           "missing session",
			body:           `{"clientProgress":null}`,
			authorized:     false,
			mockService:    &mockSyncService{record: stored},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  models.ErrorUnauthorized,
		},
		{
			name:           "malformed json",
			body:           `{"clientProgress":`,
			authorized:     true,
			mockService:    &mockSyncService{},
			expectedStatus: http.StatusBadRequest,
			expectedError:  models.ErrorBadRequest,
		},
		{
			name:           "invalid record",
			body:           `{"clientProgress":{"lastSurah":0,"lastAyah":1,"lastReadAt":1}}`,
			authorized:     true,
			mockService:    &mockSyncService{err: fmt.Errorf("%w: lastSurah", services.ErrInvalidProgress)},
			expectedStatus: http.StatusBadRequest,
			expectedError:  models.ErrorBadRequest,
			expectedCalls:  1,
		},
		{
			name:           "service error is not leaked",
			body:           `{"clientProgress":null}`,
			authorized:     true,
			mockService:    &mockSyncService{err: fmt.Errorf("%w: dial tcp 10.0.0.3:3306", services.ErrInternal)},
			expectedStatus: http.StatusInternalServerError,
			expectedError:  models.ErrorInternal,
			expectedCalls:  1,
		},
		{
			name:           "unknown error",
			body:           `{"clientProgress":null}`,
			authorized:     true,
			mockService:    &mockSyncService{err: errors.New("boom")},
			expectedStatus: http.StatusInternalServerError,
			expectedError:  models.ErrorInternal,
			expectedCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, validator := setupRouter(tt.mockService)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/progress/sync", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.authorized {
				req.Header.Set("Authorization", bearer(t, validator, "owner-1"))
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.expectedCalls, tt.mockService.calls)

			body := decodeBody(t, w)
			if tt.expectedError != "" {
				assert.Equal(t, false, body["success"])
				assert.Equal(t, tt.expectedError, body["error"])
				assert.NotContains(t, w.Body.String(), "10.0.0.3")
				return
			}

			assert.Equal(t, true, body["success"])
			assert.Contains(t, body, "data")
			if tt.expectedData {
				assert.NotNil(t, body["data"])
			} else {
				assert.Nil(t, body["data"])
			}
			assert.Equal(t, "owner-1", tt.mockService.lastOwner)
		})
	}
}

func TestProgressHandler_Sync_PassesClientRecord(t *testing.T) {
	svc := &mockSyncService{}
	r, validator := setupRouter(svc)

	body := `{"clientProgress":{"lastSurah":18,"lastAyah":10,"lastReadAt":1700000000000,"bookmarks":[{"surah":18,"ayah":1,"timestamp":1600000000000}]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/progress/sync", bytes.NewBufferString(body))
	req.Header.Set("Authorization", bearer(t, validator, "owner-7"))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "owner-7", svc.lastOwner)
	assert.Equal(t, &models.ProgressRecord{
		LastSurah:  18,
		LastAyah:   10,
		LastReadAt: 1700000000000,
		Bookmarks:  []models.Bookmark{{Surah: 18, Ayah: 1, Timestamp: 1600000000000}},
	}, svc.lastClient)
}

func TestProgressHandler_Sync_CookieSession(t *testing.T) {
	svc := &mockSyncService{}
	r, validator := setupRouter(svc)
	token, err := validator.GenerateAccessToken("cookie-owner")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/progress/sync", bytes.NewBufferString(`{}`))
	req.AddCookie(&http.Cookie{Name: "access_token", Value: token})
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cookie-owner", svc.lastOwner)
}

func TestProgressHandler_GetProgress(t *testing.T) {
	tests := []struct {
		name           string
		authorized     bool
		mockService    *mockSyncService
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "success",
			authorized:     true,
			mockService:    &mockSyncService{record: &models.ProgressRecord{OwnerID: "owner-1", LastSurah: 1, LastAyah: 1, LastReadAt: 1}},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "unauthorized",
			authorized:     false,
			mockService:    &mockSyncService{},
			expectedStatus: http.StatusUnauthorized,
			expectedError:  models.ErrorUnauthorized,
		},
		{
			name:           "service error",
			authorized:     true,
			mockService:    &mockSyncService{err: services.ErrInternal},
			expectedStatus: http.StatusInternalServerError,
			expectedError:  models.ErrorInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, validator := setupRouter(tt.mockService)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil)
			if tt.authorized {
				req.Header.Set("Authorization", bearer(t, validator, "owner-1"))
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			body := decodeBody(t, w)
			if tt.expectedError != "" {
				assert.Equal(t, false, body["success"])
				assert.Equal(t, tt.expectedError, body["error"])
				return
			}
			assert.Equal(t, true, body["success"])
			assert.NotNil(t, body["data"])
		})
	}
}

func TestProgressHandler_UnauthorizedNeverTouchesDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := repositories.NewProgressRepository(db)
	svc := services.NewSyncService(repo, reconcile.NewResolver(reconcile.PolicyLastWriteWins), time.Hour, zap.NewNop())
	r, _ := setupRouter(svc)

	requests := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/v1/progress/sync",
			bytes.NewBufferString(`{"clientProgress":{"lastSurah":2,"lastAyah":1,"lastReadAt":100}}`)),
		httptest.NewRequest(http.MethodGet, "/api/v1/progress", nil),
	}
	invalid := httptest.NewRequest(http.MethodPost, "/api/v1/progress/sync", bytes.NewBufferString(`{}`))
	invalid.Header.Set("Authorization", "Bearer not-a-token")
	requests = append(requests, invalid)

	for _, req := range requests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.JSONEq(t, `{"success":false,"error":"Unauthorized"}`, w.Body.String())
	}

	// no expectations were registered: any query or exec would have failed the request and this check
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressHandler_SyncEndToEnd(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := repositories.NewProgressRepository(db)
	svc := services.NewSyncService(repo, reconcile.NewResolver(reconcile.PolicyLastWriteWins), 0, zap.NewNop())
	r, validator := setupRouter(svc)

	mock.ExpectQuery(`SELECT owner_id, last_surah, last_ayah, last_read_at, bookmarks FROM reading_progress`).
		WithArgs("owner-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "last_surah", "last_ayah", "last_read_at", "bookmarks"}).
			AddRow("owner-1", 1, 5, int64(50), []byte(`[]`)))
	mock.ExpectExec(`INSERT INTO reading_progress`).
		WithArgs("owner-1", 2, 10, int64(100), `[]`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/progress/sync",
		bytes.NewBufferString(`{"clientProgress":{"lastSurah":2,"lastAyah":10,"lastReadAt":100,"bookmarks":[]}}`))
	req.Header.Set("Authorization", bearer(t, validator, "owner-1"))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"success":true,"data":{"ownerId":"owner-1","lastSurah":2,"lastAyah":10,"lastReadAt":100,"bookmarks":[]}}`,
		w.Body.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}
