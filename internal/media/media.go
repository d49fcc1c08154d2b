// Package media stages attachment bytes on disk and hands them out through
// signed, time-limited URLs, with a durable CRM-disk upload path for
// attachments that must outlive the temp link.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("file token invalid")
	ErrTokenExpired = errors.New("file token expired")
	ErrNotFound     = errors.New("file not found")
)

// Service stages files under a local directory, keyed by content hash, and
// signs access tokens for the temp file endpoint.
type Service struct {
	logger  *slog.Logger
	dir     string
	secret  []byte
	linkTTL time.Duration
	baseURL string
	client  *resty.Client
}

// NewService creates a media service. baseURL is the public prefix the temp
// links are rendered under.
func NewService(log *slog.Logger, dir, signingSecret, baseURL string, linkTTL time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger:  log.With(slog.String("service", "media")),
		dir:     dir,
		secret:  []byte(signingSecret),
		linkTTL: linkTTL,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  resty.New(),
	}
}

// Staged describes a staged file.
type Staged struct {
	Key  string
	Name string
	Mime string
	Size int64
}

// Stage spools the reader to disk under a content-hash key and returns the
// staged descriptor. Identical content maps to the same key.
func (s *Service) Stage(ctx context.Context, r io.Reader, name, mime string) (Staged, error) {
	if r == nil {
		return Staged{}, fmt.Errorf("reader is required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Staged{}, fmt.Errorf("create media dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "spool-*")
	if err != nil {
		return Staged{}, fmt.Errorf("spool: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return Staged{}, fmt.Errorf("spool: %w", err)
	}

	key := hex.EncodeToString(hasher.Sum(nil)) + extensionFor(name, mime)
	final := filepath.Join(s.dir, key)
	if _, err := os.Stat(final); err == nil {
		return Staged{Key: key, Name: name, Mime: mime, Size: size}, nil
	}
	if err := tmp.Close(); err != nil {
		return Staged{}, fmt.Errorf("spool: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Staged{}, fmt.Errorf("stage file: %w", err)
	}
	return Staged{Key: key, Name: name, Mime: mime, Size: size}, nil
}

// StageBase64 decodes base64 content and stages it.
func (s *Service) StageBase64(ctx context.Context, encoded, name, mime string) (Staged, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Staged{}, fmt.Errorf("decode base64 content: %w", err)
	}
	return s.Stage(ctx, strings.NewReader(string(data)), name, mime)
}

// StageURL downloads the URL and stages the body.
func (s *Service) StageURL(ctx context.Context, url, name string) (Staged, error) {
	resp, err := s.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return Staged{}, fmt.Errorf("download %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return Staged{}, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode())
	}
	mime := resp.Header().Get("Content-Type")
	return s.Stage(ctx, body, name, mime)
}

type fileClaims struct {
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	jwt.RegisteredClaims
}

// HasPublicBase reports whether temp links can be rendered at all. Without a
// public base URL the CRM has no way to fetch them.
func (s *Service) HasPublicBase() bool {
	return s.baseURL != ""
}

// SignedURL renders a time-limited public URL for a staged file.
func (s *Service) SignedURL(staged Staged) (string, error) {
	claims := fileClaims{
		Key:  staged.Key,
		Name: staged.Name,
		Mime: staged.Mime,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.linkTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign file token: %w", err)
	}
	return s.baseURL + "/files/" + token, nil
}

// Resolved is a staged file located through a valid token.
type Resolved struct {
	Path string
	Name string
	Mime string
}

// ResolveToken validates a signed file token and locates the staged bytes.
// Expired tokens return ErrTokenExpired, malformed or tampered ones
// ErrTokenInvalid, and valid tokens for since-removed files ErrNotFound.
func (s *Service) ResolveToken(token string) (Resolved, error) {
	var claims fileClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Resolved{}, ErrTokenExpired
	case err != nil, !parsed.Valid:
		return Resolved{}, ErrTokenInvalid
	}
	if claims.Key == "" || claims.Key != path.Base(claims.Key) {
		return Resolved{}, ErrTokenInvalid
	}

	full := filepath.Join(s.dir, claims.Key)
	if _, err := os.Stat(full); err != nil {
		return Resolved{}, ErrNotFound
	}
	return Resolved{Path: full, Name: claims.Name, Mime: claims.Mime}, nil
}

// Open returns the staged file bytes for a resolved token.
func (s *Service) Open(r Resolved) (io.ReadCloser, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, ErrNotFound
	}
	return f, nil
}

func extensionFor(name, mime string) string {
	if ext := filepath.Ext(name); ext != "" && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	switch strings.SplitN(mime, ";", 2)[0] {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	}
	return ""
}
