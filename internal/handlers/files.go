package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/estvita/openbridge/internal/media"
)

// FilesHandler serves staged attachment bytes under signed, time-limited
// paths.
type FilesHandler struct {
	files *media.Service
}

// NewFilesHandler creates the temp file handler.
func NewFilesHandler(files *media.Service) *FilesHandler {
	return &FilesHandler{files: files}
}

// Register mounts the handler routes.
func (h *FilesHandler) Register(e *echo.Echo) {
	e.GET("/files/:token", h.Serve)
}

// Serve validates the token and streams the file. Bad or expired signatures
// get 403, valid tokens for vanished files 404.
func (h *FilesHandler) Serve(c echo.Context) error {
	resolved, err := h.files.ResolveToken(c.Param("token"))
	switch {
	case errors.Is(err, media.ErrTokenExpired), errors.Is(err, media.ErrTokenInvalid):
		return echo.NewHTTPError(http.StatusForbidden, "invalid or expired link")
	case errors.Is(err, media.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "resolve failed")
	}

	f, err := h.files.Open(resolved)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	defer f.Close()

	if resolved.Name != "" {
		c.Response().Header().Set(echo.HeaderContentDisposition, `inline; filename="`+resolved.Name+`"`)
	}
	mime := resolved.Mime
	if mime == "" {
		mime = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, mime, f)
}
