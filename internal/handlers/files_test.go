package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/media"
)

func TestFilesHandlerServesSignedLink(t *testing.T) {
	files := media.NewService(nil, t.TempDir(), "secret", "https://bridge.example.com", time.Hour)
	staged, err := files.Stage(context.Background(), strings.NewReader("file bytes"), "doc.pdf", "application/pdf")
	require.NoError(t, err)
	url, err := files.SignedURL(staged)
	require.NoError(t, err)
	token := strings.TrimPrefix(url, "https://bridge.example.com/files/")

	h := NewFilesHandler(files)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/files/"+token, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("token")
	c.SetParamValues(token)

	require.NoError(t, h.Serve(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "file bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/pdf")
}

func TestFilesHandlerRejectsBadToken(t *testing.T) {
	files := media.NewService(nil, t.TempDir(), "secret", "https://bridge.example.com", time.Hour)
	h := NewFilesHandler(files)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/files/garbage", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("token")
	c.SetParamValues("garbage")

	err := h.Serve(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
}
