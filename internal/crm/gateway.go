// Package crm is the resilient RPC client for the CRM's REST API. It is the
// only component allowed to read or mutate credentials, the portal domain,
// and the license-expired flag; everything else calls through Gateway.Call.
package crm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/estvita/openbridge/internal/config"
	"github.com/estvita/openbridge/internal/store"
)

// Store is the entity surface the gateway needs. *store.Store satisfies it.
type Store interface {
	GetPortal(ctx context.Context, id string) (store.Portal, error)
	UpdatePortalDomain(ctx context.Context, id, domain string) error
	SetPortalLicenseExpired(ctx context.Context, id string, expired bool) error
	ListActiveCredentials(ctx context.Context, installationID string, adminOnly bool) ([]store.Credential, error)
	GetCredentialByUser(ctx context.Context, installationID string, crmUserID int64) (store.Credential, error)
	UpdateCredentialTokens(ctx context.Context, id, accessToken, refreshToken string) error
	DeactivateCredential(ctx context.Context, id string) error
	SetInstallationLastStatus(ctx context.Context, id string, status int) error
}

// CallOptions tunes one Call invocation.
type CallOptions struct {
	// UserID selects exactly one credential instead of iterating them all.
	UserID int64
	// AdminOnly restricts credential iteration to admin users.
	AdminOnly bool
	// Background switches from the interactive to the background timeout.
	Background bool
}

// Caller is the Call contract other components depend on.
type Caller interface {
	Call(ctx context.Context, installation store.AppInstallation, method string, params map[string]any, opts CallOptions) (Result, error)
}

// callState drives the per-credential attempt loop. The redirect and refresh
// retries are latched states, not recursion, with a hard iteration cap.
type callState int

const (
	stateSending callState = iota
	stateRetryingRedirect
	stateRetryingRefresh
	stateDone
	stateFailed
)

// One initial send plus at most one redirect retry, one refresh retry, and
// one insecure-TLS retry.
const maxCallIterations = 4

// Gateway is the CRM RPC client.
type Gateway struct {
	store    Store
	http     *resty.Client
	insecure *resty.Client
	logger   *slog.Logger

	clientID     string
	clientSecret string
	tokenURL     string

	interactiveTimeout time.Duration
	backgroundTimeout  time.Duration
}

// New creates a Gateway from the CRM OAuth client configuration.
func New(log *slog.Logger, entities Store, cfg config.CrmConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	noFollow := resty.RedirectPolicyFunc(func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	})
	return &Gateway{
		store:  entities,
		logger: log.With(slog.String("component", "crm")),
		http:   resty.New().SetRedirectPolicy(noFollow),
		insecure: resty.New().SetRedirectPolicy(noFollow).
			SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}),
		clientID:           cfg.ClientID,
		clientSecret:       cfg.ClientSecret,
		tokenURL:           cfg.TokenURL,
		interactiveTimeout: cfg.InteractiveTimeoutDuration(),
		backgroundTimeout:  cfg.BackgroundTimeoutDuration(),
	}
}

// Call performs one CRM REST call, trying each eligible credential in stored
// order until one succeeds. Transport timeouts propagate immediately: a
// timeout is no evidence against the credential, and the task queue owns
// that retry.
func (g *Gateway) Call(ctx context.Context, installation store.AppInstallation, method string, params map[string]any, opts CallOptions) (Result, error) {
	portal, err := g.store.GetPortal(ctx, installation.PortalID)
	if err != nil {
		return nil, &CallError{Method: method, Params: params, Kind: KindTerminalAuth, Err: err}
	}

	credentials, err := g.selectCredentials(ctx, installation, opts)
	if err != nil {
		return nil, &CallError{Method: method, Params: params, Kind: KindTerminalAuth, Err: err}
	}
	if len(credentials) == 0 {
		return nil, &CallError{Method: method, Params: params, Kind: KindTerminalAuth,
			Err: errors.New("no active credentials")}
	}

	timeout := g.interactiveTimeout
	if opts.Background {
		timeout = g.backgroundTimeout
	}

	var lastErr error
	for _, credential := range credentials {
		result, err := g.callWithCredential(ctx, &portal, installation, credential, method, params, timeout)
		if err == nil {
			return result, nil
		}
		if IsTransient(err) {
			return nil, err
		}
		g.logger.Warn("credential attempt failed",
			slog.String("method", method),
			slog.Int64("crm_user", credential.CrmUserID),
			slog.Any("error", err))
		lastErr = err
	}

	var last *CallError
	status := 0
	if errors.As(lastErr, &last) {
		status = last.Status
	}
	return nil, &CallError{Method: method, Params: params, Status: status, Kind: KindTerminalAuth,
		Err: fmt.Errorf("all credentials exhausted: %w", lastErr)}
}

func (g *Gateway) selectCredentials(ctx context.Context, installation store.AppInstallation, opts CallOptions) ([]store.Credential, error) {
	if opts.UserID != 0 {
		credential, err := g.store.GetCredentialByUser(ctx, installation.ID, opts.UserID)
		if err != nil {
			return nil, err
		}
		return []store.Credential{credential}, nil
	}
	return g.store.ListActiveCredentials(ctx, installation.ID, opts.AdminOnly)
}

// callWithCredential runs the attempt state machine for one credential.
func (g *Gateway) callWithCredential(ctx context.Context, portal *store.Portal, installation store.AppInstallation, credential store.Credential, method string, params map[string]any, timeout time.Duration) (Result, error) {
	var (
		state         = stateSending
		redirectTried bool
		refreshTried  bool
		insecureTried bool
		accessToken   = credential.AccessToken
		client        = g.http
	)

	fail := func(status int, kind ErrorKind, err error) (Result, error) {
		return nil, &CallError{Method: method, Params: params, Status: status, Kind: kind, Err: err}
	}

	for iteration := 0; iteration < maxCallIterations; iteration++ {
		resp, err := g.post(ctx, client, *portal, method, params, accessToken, timeout)
		if err != nil {
			if isTimeout(err) {
				return fail(0, KindTransient, fmt.Errorf("timeout: %w", err))
			}
			if isTLSVerification(err) && !insecureTried {
				insecureTried = true
				client = g.insecure
				g.logger.Warn("tls verification failed, retrying without verification",
					slog.String("domain", portal.Domain))
				continue
			}
			return fail(0, KindTransient, err)
		}

		status := resp.StatusCode()
		g.recordStatus(ctx, installation.ID, status)

		switch {
		case status == http.StatusOK:
			state = stateDone
			if portal.LicenseExpired {
				if err := g.store.SetPortalLicenseExpired(ctx, portal.ID, false); err != nil {
					g.logger.Warn("clear license flag failed", slog.Any("error", err))
				}
				portal.LicenseExpired = false
			}
			var result Result
			if err := json.Unmarshal(resp.Body(), &result); err != nil {
				return fail(status, KindValidation, fmt.Errorf("decode response: %w", err))
			}
			return result, nil

		case status == http.StatusFound && state != stateRetryingRedirect && !redirectTried:
			state = stateRetryingRedirect
			redirectTried = true
			if err := g.followDomainChange(ctx, portal, resp.Header().Get("Location")); err != nil {
				return fail(status, KindTransient, err)
			}

		case status == http.StatusUnauthorized:
			apiErr := decodeAPIError(resp.Body())
			switch apiErr.Code {
			case "expired_token":
				if refreshTried || state == stateRetryingRefresh {
					state = stateFailed
					return fail(status, KindAuthExpired, errors.New("token expired after refresh"))
				}
				state = stateRetryingRefresh
				refreshTried = true
				if err := g.refreshCredential(ctx, &credential); err != nil {
					state = stateFailed
					return fail(status, KindAuthExpired, fmt.Errorf("refresh failed: %w", err))
				}
				accessToken = credential.AccessToken
			case "ACCESS_DENIED":
				state = stateFailed
				g.markLicenseExpired(ctx, portal)
				return fail(status, KindTerminalAuth, errors.New("access denied: license expired"))
			case "authorization_error":
				state = stateFailed
				if err := g.store.DeactivateCredential(ctx, credential.ID); err != nil {
					g.logger.Warn("deactivate credential failed", slog.Any("error", err))
				}
				return fail(status, KindTerminalAuth, fmt.Errorf("user %d deactivated", credential.CrmUserID))
			default:
				state = stateFailed
				return fail(status, KindTerminalAuth, fmt.Errorf("unauthorized: %s", apiErr.Code))
			}

		case status == http.StatusForbidden:
			state = stateFailed
			if !json.Valid(resp.Body()) {
				g.markLicenseExpired(ctx, portal)
			}
			return fail(status, KindTerminalAuth, errors.New("forbidden"))

		default:
			state = stateFailed
			if status >= http.StatusInternalServerError {
				return fail(status, KindTransient, fmt.Errorf("server error %d", status))
			}
			return fail(status, KindTerminalAuth, fmt.Errorf("unexpected status %d", status))
		}
	}

	return fail(0, KindTransient, errors.New("call iteration cap reached"))
}

func (g *Gateway) post(ctx context.Context, client *resty.Client, portal store.Portal, method string, params map[string]any, accessToken string, timeout time.Duration) (*resty.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := make(map[string]any, len(params)+1)
	for key, value := range params {
		body[key] = value
	}
	body["auth"] = accessToken

	endpoint := fmt.Sprintf("%s://%s/rest/%s", portal.Protocol, portal.Domain, method)
	return client.R().
		SetContext(callCtx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(endpoint)
}

// followDomainChange persists a renumbered portal domain from a 302 Location.
func (g *Gateway) followDomainChange(ctx context.Context, portal *store.Portal, location string) error {
	if location == "" {
		return errors.New("redirect without location")
	}
	parsed, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("parse redirect location: %w", err)
	}
	host := parsed.Host
	if host == "" {
		return fmt.Errorf("redirect location %q has no host", location)
	}
	if host != portal.Domain {
		if err := g.store.UpdatePortalDomain(ctx, portal.ID, host); err != nil {
			return fmt.Errorf("persist domain change: %w", err)
		}
		g.logger.Info("portal domain changed",
			slog.String("old", portal.Domain), slog.String("new", host))
		portal.Domain = host
		if parsed.Scheme != "" {
			portal.Protocol = parsed.Scheme
		}
	}
	return nil
}

// refreshCredential exchanges the refresh token at the identity provider and
// atomically overwrites the stored pair. On any failure nothing is mutated.
func (g *Gateway) refreshCredential(ctx context.Context, credential *store.Credential) error {
	resp, err := g.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     g.clientID,
			"client_secret": g.clientSecret,
			"refresh_token": credential.RefreshToken,
		}).
		Post(g.tokenURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d", resp.StatusCode())
	}
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(resp.Body(), &tokens); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return errors.New("token response missing tokens")
	}
	if err := g.store.UpdateCredentialTokens(ctx, credential.ID, tokens.AccessToken, tokens.RefreshToken); err != nil {
		return err
	}
	credential.AccessToken = tokens.AccessToken
	credential.RefreshToken = tokens.RefreshToken
	credential.RefreshDate = time.Now()
	return nil
}

func (g *Gateway) markLicenseExpired(ctx context.Context, portal *store.Portal) {
	if err := g.store.SetPortalLicenseExpired(ctx, portal.ID, true); err != nil {
		g.logger.Warn("set license flag failed", slog.Any("error", err))
		return
	}
	portal.LicenseExpired = true
}

func (g *Gateway) recordStatus(ctx context.Context, installationID string, status int) {
	if err := g.store.SetInstallationLastStatus(ctx, installationID, status); err != nil {
		g.logger.Warn("record status failed", slog.Any("error", err))
	}
}

type apiError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func decodeAPIError(body []byte) apiError {
	var out apiError
	_ = json.Unmarshal(body, &out)
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSVerification(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	return strings.Contains(err.Error(), "certificate")
}
