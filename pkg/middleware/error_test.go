package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fernctx "github.com/Ramsey-B/fern/pkg/context"
)

func TestError_LogsTableIDFromContext(t *testing.T) {
	var logged []ectologger.EctoLogMessage
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		logged = append(logged, msg)
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tables/x/schema", nil)
	req = req.WithContext(fernctx.SetTableID(req.Context(), "31e83500-7218-4771-9fa9-b4b83b97e08e"))
	rec := httptest.NewRecorder()

	Error(logger)(errors.New("boom"), e.NewContext(req, rec))

	require.Len(t, logged, 1)
	assert.Equal(t, "31e83500-7218-4771-9fa9-b4b83b97e08e", logged[0].Fields["table_id"])
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestError_OmitsTableIDWhenAbsent(t *testing.T) {
	var logged []ectologger.EctoLogMessage
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		logged = append(logged, msg)
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	Error(logger)(errors.New("boom"), e.NewContext(req, rec))

	require.Len(t, logged, 1)
	assert.NotContains(t, logged[0].Fields, "table_id")
}
