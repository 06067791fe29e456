package echoapi_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-directory/core/progression"
)

func TestProgressionAuth(t *testing.T) {
	runHTTPTests(t, []httpTest{
		{
			name:     "missing token",
			method:   http.MethodPost,
			path:     "/v1/progressions",
			body:     []byte(`{"year":"2030"}`),
			wantCode: http.StatusUnauthorized,
			wantData: marchallObj(t, errMissingToken),
		},
		{
			name:     "not an admin",
			method:   http.MethodPost,
			path:     "/v1/progressions",
			body:     []byte(`{"year":"2030"}`),
			token:    staffToken,
			wantCode: http.StatusForbidden,
			wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
	})
}

func TestProgressionAPI(t *testing.T) {
	seed(t)

	runHTTPTests(t, []httpTest{
		{
			name:     "invalid year",
			method:   http.MethodPost,
			path:     "/v1/progressions",
			body:     []byte(`{"year":"next"}`),
			token:    adminToken,
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"year":"must be a school year such as 2026 or 2025-2026"}`),
		},
		{
			name:     "malformed body",
			method:   http.MethodPost,
			path:     "/v1/progressions",
			body:     []byte(`{"year":`),
			token:    adminToken,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "start",
			method:   http.MethodPost,
			path:     "/v1/progressions",
			body:     []byte(`{"year":"2026"}`),
			token:    adminToken,
			wantCode: http.StatusCreated,
			wantData: marchallObj(t, progression.StartResult{
				WorkflowID: "2026",
				Stats:      progression.Stats{Total: 3, AdvanceInPlace: 1, NeedsReassignment: 1, Graduating: 1},
			}),
		},
		{
			name:     "start twice",
			method:   http.MethodPost,
			path:     "/v1/progressions",
			body:     []byte(`{"year":"2026"}`),
			token:    adminToken,
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Error: progression.ErrWorkflowExists.Error()}),
		},
		{
			name:     "unknown workflow",
			method:   http.MethodGet,
			path:     "/v1/progressions/1999",
			token:    adminToken,
			wantCode: http.StatusNotFound,
			wantData: marchallObj(t, httpErr{Error: progression.ErrWorkflowNotFound.Error()}),
		},
		{
			name:     "blank class",
			method:   http.MethodPut,
			path:     "/v1/progressions/2026/assignments/s2",
			body:     []byte(`{"assigned_class":" "}`),
			token:    adminToken,
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{"assigned_class":"this field is required"}`),
		},
		{
			name:     "assign unknown dependent",
			method:   http.MethodPut,
			path:     "/v1/progressions/2026/assignments/nope",
			body:     []byte(`{"assigned_class":"3B"}`),
			token:    adminToken,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "assign",
			method:   http.MethodPut,
			path:     "/v1/progressions/2026/assignments/s2",
			body:     []byte(`{"assigned_class":"3B"}`),
			token:    adminToken,
			wantCode: http.StatusOK,
		},
		{
			name:     "mark departing without ids",
			method:   http.MethodPost,
			path:     "/v1/progressions/2026/departing",
			body:     []byte(`{"dependent_ids":[]}`),
			token:    adminToken,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "mark departing",
			method:   http.MethodPost,
			path:     "/v1/progressions/2026/departing",
			body:     []byte(`{"dependent_ids":["s1"],"reason":"moved"}`),
			token:    adminToken,
			wantCode: http.StatusOK,
		},
		{
			name:     "unmark departing",
			method:   http.MethodDelete,
			path:     "/v1/progressions/2026/departing/s1",
			token:    adminToken,
			wantCode: http.StatusOK,
		},
		{
			name:     "new dependent without guardian details",
			method:   http.MethodPost,
			path:     "/v1/progressions/2026/new-dependents",
			body:     []byte(`{"dependent":{"first_name":"Amani","last_name":"Kito","class":"1A"},"guardians":[{"email":"new@masomo.test"}]}`),
			token:    adminToken,
			wantCode: http.StatusBadRequest,
			wantData: []byte(`{
				"guardians[0].first_name":"this field is required for a new guardian",
				"guardians[0].last_name":"this field is required for a new guardian",
				"guardians[0].phone":"this field is required for a new guardian"
			}`),
		},
		{
			name:     "new dependent",
			method:   http.MethodPost,
			path:     "/v1/progressions/2026/new-dependents",
			body:     []byte(`{"dependent":{"first_name":"Amani","last_name":"Kito","class":"1A"},"guardians":[{"is_existing":true,"email":"g2@masomo.test"}]}`),
			token:    adminToken,
			wantCode: http.StatusCreated,
		},
		{
			name:     "apply",
			method:   http.MethodPost,
			path:     "/v1/progressions/2026/apply",
			token:    adminToken,
			wantCode: http.StatusOK,
			wantData: marchallObj(t, progression.ApplyStats{Progressed: 2, Graduated: 1, DependentsAdded: 1, Batches: 1}),
		},
		{
			name:     "apply twice",
			method:   http.MethodPost,
			path:     "/v1/progressions/2026/apply",
			token:    adminToken,
			wantCode: http.StatusConflict,
			wantData: marchallObj(t, httpErr{Error: progression.ErrWorkflowCompleted.Error()}),
		},
	})

	t.Run("status", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/progressions/2026", adminToken)
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var st progression.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.True(t, st.Workflow.IsCompleted())
		assert.Len(t, st.Changes, 3)
		assert.Len(t, st.NewDependents, 1)
		assert.Empty(t, st.Departing)
	})

	t.Run("audit", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/progressions/2026/audit", adminToken)
		app.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []progression.AuditEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		// 2 progressed, 1 dependent added, 1 graduated; g2 is kept by the new dependent
		assert.Len(t, entries, 4)
	})
}
