// Package mockidp is a self-contained identity provider for development and
// tests. It implements the subset of the production provider's API the
// clients in this module speak: password and refresh grants with rotating
// single-use refresh tokens, signup with optional e-mail confirmation, a
// published JWKS and a realtime channel for administrative revocations.
package mockidp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-secure-stdlib/nonceutil"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/stocklane/authkit/pkg/idp"
)

var upgrader = websocket.Upgrader{}

type Config struct {
	Address        string        `yaml:"address"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	AutoConfirm    bool          `yaml:"auto_confirm"`
}

type Option func(*Server) error

// WithSeedAccount preloads a confirmed account into the directory.
func WithSeedAccount(account Account) Option {
	return func(s *Server) error {
		account.Confirmed = true
		created, err := s.directory.CreateAccount(account)
		if err != nil {
			return fmt.Errorf("seeding account %s: %w", account.Email, err)
		}
		slog.Info("seeded account", "email", created.Email, "id", created.ID)
		return nil
	}
}

// WithTokenRateLimit caps token-endpoint calls per minute. Exceeding calls
// get the provider's over_request_rate_limit error, which lets rate-limit
// handling be exercised against the mock.
func WithTokenRateLimit(perMinute int) Option {
	return func(s *Server) error {
		if perMinute <= 0 {
			return fmt.Errorf("rate limit must be positive, got %d", perMinute)
		}
		s.tokenGate = &rateGate{limit: perMinute, window: time.Minute}
		return nil
	}
}

type Server struct {
	config        Config
	directory     *Directory
	tokens        *TokenManager
	confirmations *confirmations
	realtime      *hub
	tokenGate     *rateGate
}

func NewServer(config Config, opts ...Option) (*Server, error) {
	if config.Address == "" {
		config.Address = ":9999"
	}
	if config.Issuer == "" {
		config.Issuer = "http://localhost" + config.Address
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = time.Hour
	}
	tokens, err := NewTokenManager(config.Issuer, config.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	pending, err := newConfirmations()
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:        config,
		directory:     NewDirectory(),
		tokens:        tokens,
		confirmations: pending,
		realtime:      newHub(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Directory() *Directory {
	return s.directory
}

// IssueConfirmation mints a confirmation token for an account, the same
// kind the signup flow logs. Lets tooling resend lost confirmation links.
func (s *Server) IssueConfirmation(accountID string) (string, error) {
	if _, err := s.directory.AccountByID(accountID); err != nil {
		return "", err
	}
	return s.confirmations.Issue(accountID)
}

// ConnectedClients reports how many realtime connections a user has open.
func (s *Server) ConnectedClients(userID string) int {
	return s.realtime.clients(userID)
}

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func errorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("request failed", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

// Echo assembles a ready-to-serve instance with validation and the full
// route set mounted at the root.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Use(middleware.Recover())
	s.MountRoutes(e.Group(""))
	return e
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(errorLogMiddleware)
	group.POST("/token", s.tokenEndpoint)
	group.POST("/signup", s.signupEndpoint)
	group.POST("/logout", s.logoutEndpoint)
	group.GET("/user", s.userEndpoint)
	group.GET("/profiles/:id", s.profileEndpoint)
	group.GET("/confirm", s.confirmEndpoint)
	group.GET("/.well-known/jwks.json", s.jwksEndpoint)
	group.GET("/realtime", s.realtimeEndpoint)
	group.POST("/admin/revoke", s.revokeEndpoint)
}

type passwordGrantRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshGrantRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) tokenEndpoint(c echo.Context) error {
	if s.tokenGate != nil && !s.tokenGate.allow() {
		return c.JSON(http.StatusTooManyRequests, &idp.Error{
			Code:        "over_request_rate_limit",
			Description: "too many token requests, slow down",
		})
	}
	switch grantType := c.QueryParam("grant_type"); grantType {
	case "password":
		return s.passwordGrant(c)
	case "refresh_token":
		return s.refreshGrant(c)
	default:
		return c.JSON(http.StatusBadRequest, &idp.Error{
			Code:        "unsupported_grant_type",
			Description: fmt.Sprintf("grant type %q is not supported", grantType),
		})
	}
}

func (s *Server) passwordGrant(c echo.Context) error {
	var req passwordGrantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	account, err := s.directory.Authenticate(req.Email, req.Password)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &idp.Error{
			Code:        "invalid_grant",
			Description: "invalid email or password",
		})
	}
	if !account.Confirmed {
		return c.JSON(http.StatusBadRequest, &idp.Error{
			Code:        "email_not_confirmed",
			Description: "confirm the e-mail address before signing in",
		})
	}
	sessionID, refreshToken := s.directory.OpenSession(account.ID)
	return s.respondSession(c, account, sessionID, refreshToken)
}

func (s *Server) refreshGrant(c echo.Context) error {
	var req refreshGrantRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	userID, sessionID, nextToken, err := s.directory.RotateRefresh(req.RefreshToken)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &idp.Error{
			Code:        "invalid_grant",
			Description: "refresh token is invalid or already used",
		})
	}
	account, err := s.directory.AccountByID(userID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, &idp.Error{
			Code:        "invalid_grant",
			Description: "account no longer exists",
		})
	}
	return s.respondSession(c, account, sessionID, nextToken)
}

func (s *Server) respondSession(c echo.Context, account *Account, sessionID, refreshToken string) error {
	accessToken, expiresIn, err := s.tokens.Mint(account, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, &idp.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		ExpiresAt:    time.Now().Add(s.tokens.TTL()).Unix(),
		User:         accountToUser(account),
	})
}

type signupRequest struct {
	Email    string         `json:"email" validate:"required,email"`
	Password string         `json:"password" validate:"required,min=6"`
	Phone    string         `json:"phone"`
	Data     map[string]any `json:"data"`
}

func (s *Server) signupEndpoint(c echo.Context) error {
	var req signupRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	account := Account{
		Email:     req.Email,
		Password:  req.Password,
		Phone:     req.Phone,
		FirstName: stringValue(req.Data, "first_name"),
		LastName:  stringValue(req.Data, "last_name"),
		Confirmed: s.config.AutoConfirm,
	}
	created, err := s.directory.CreateAccount(account)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return c.JSON(http.StatusUnprocessableEntity, &idp.Error{Message: "email already registered"})
		}
		return c.JSON(http.StatusBadRequest, &idp.Error{Message: err.Error()})
	}
	if !created.Confirmed {
		token, err := s.confirmations.Issue(created.ID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		// there is no outbound mail in development, the link lands in the log
		slog.Info("confirmation required",
			"email", created.Email,
			"confirm_url", fmt.Sprintf("%s/confirm?token=%s", s.config.Issuer, token))
		return c.JSON(http.StatusOK, accountToUser(created))
	}
	sessionID, refreshToken := s.directory.OpenSession(created.ID)
	return s.respondSession(c, created, sessionID, refreshToken)
}

func (s *Server) confirmEndpoint(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return c.JSON(http.StatusBadRequest, &idp.Error{Message: "missing confirmation token"})
	}
	accountID, ok := s.confirmations.Redeem(token)
	if !ok {
		return c.JSON(http.StatusBadRequest, &idp.Error{Message: "confirmation token is invalid or expired"})
	}
	if err := s.directory.Confirm(accountID); err != nil {
		return c.JSON(http.StatusBadRequest, &idp.Error{Message: "account no longer exists"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) logoutEndpoint(c echo.Context) error {
	claims, err := s.authorize(c)
	if err != nil {
		return unauthorized(c)
	}
	s.directory.CloseSession(claims.SessionID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) userEndpoint(c echo.Context) error {
	claims, err := s.authorize(c)
	if err != nil {
		return unauthorized(c)
	}
	account, err := s.directory.AccountByID(claims.Subject)
	if err != nil {
		return c.JSON(http.StatusNotFound, &idp.Error{Message: "account not found"})
	}
	return c.JSON(http.StatusOK, accountToUser(account))
}

func (s *Server) profileEndpoint(c echo.Context) error {
	if _, err := s.authorize(c); err != nil {
		return unauthorized(c)
	}
	account, err := s.directory.AccountByID(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, &idp.Error{Message: "profile not found"})
	}
	return c.JSON(http.StatusOK, &idp.Profile{
		ID:        account.ID,
		Email:     account.Email,
		FirstName: account.FirstName,
		LastName:  account.LastName,
		Role:      "authenticated",
		AvatarURL: account.AvatarURL,
	})
}

func (s *Server) jwksEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.tokens.JWKS())
}

func (s *Server) realtimeEndpoint(c echo.Context) error {
	claims, err := s.verifyToken(c.QueryParam("access_token"))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, &idp.Error{Message: "invalid access token"})
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.realtime.register(claims.Subject, conn)
	defer s.realtime.unregister(claims.Subject, conn)
	slog.Debug("realtime client connected", "user_id", claims.Subject)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

type revokeRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// revokeEndpoint is the administrative kill switch: all of the user's
// sessions are closed and connected clients are told to sign out.
func (s *Server) revokeEndpoint(c echo.Context) error {
	var req revokeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	userID := req.UserID
	if userID == "" && req.Email != "" {
		if id, ok := s.directory.IDByEmail(req.Email); ok {
			userID = id
		}
	}
	if userID == "" {
		return c.JSON(http.StatusBadRequest, &idp.Error{Message: "user_id or email is required"})
	}
	closed := s.directory.CloseUserSessions(userID)
	notified := s.realtime.push(userID, realtimeEvent{Event: string(idp.EventSignedOut), UserID: userID})
	slog.Info("revoked user sessions", "user_id", userID, "sessions", closed, "clients", notified)
	return c.JSON(http.StatusOK, map[string]int{
		"revoked_sessions": closed,
		"notified_clients": notified,
	})
}

// authorize extracts and verifies the bearer token and checks the session
// it belongs to is still open, so revocation takes effect immediately even
// for unexpired tokens.
func (s *Server) authorize(c echo.Context) (*AccessClaims, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return nil, errors.New("missing bearer token")
	}
	return s.verifyToken(raw)
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, &idp.Error{Message: "invalid access token"})
}

func (s *Server) verifyToken(raw string) (*AccessClaims, error) {
	claims, err := s.tokens.Verify(raw)
	if err != nil {
		return nil, err
	}
	if !s.directory.SessionAlive(claims.SessionID) {
		return nil, errors.New("session revoked")
	}
	return claims, nil
}

func bind(c echo.Context, target any) error {
	if err := c.Bind(target); err != nil {
		return err
	}
	return c.Validate(target)
}

func accountToUser(account *Account) *idp.User {
	return &idp.User{
		ID:           account.ID,
		Email:        account.Email,
		Phone:        account.Phone,
		Role:         "authenticated",
		UserMetadata: account.metadata(),
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
}

func stringValue(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return value
}

// confirmations issues single-use confirmation tokens backed by the nonce
// service and remembers which account each one belongs to.
type confirmations struct {
	service nonceutil.NonceService
	lock    sync.Mutex
	pending map[string]string
}

func newConfirmations() (*confirmations, error) {
	service := nonceutil.NewNonceService()
	if err := service.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing nonce service: %w", err)
	}
	return &confirmations{service: service, pending: make(map[string]string)}, nil
}

func (p *confirmations) Issue(accountID string) (string, error) {
	token, _, err := p.service.Get()
	if err != nil {
		return "", err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pending[token] = accountID
	return token, nil
}

func (p *confirmations) Redeem(token string) (string, bool) {
	if !p.service.Redeem(token) {
		return "", false
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	accountID, ok := p.pending[token]
	delete(p.pending, token)
	return accountID, ok
}

// rateGate is a fixed-window request counter.
type rateGate struct {
	limit  int
	window time.Duration

	lock    sync.Mutex
	started time.Time
	count   int
}

func (g *rateGate) allow() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	now := time.Now()
	if g.started.IsZero() || now.Sub(g.started) >= g.window {
		g.started = now
		g.count = 0
	}
	g.count++
	return g.count <= g.limit
}
