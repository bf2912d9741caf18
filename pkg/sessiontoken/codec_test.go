package sessiontoken

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	current time.Time
}

func (clock *fixedClock) Now() time.Time {
	return clock.current
}

func (clock *fixedClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestCodec(t *testing.T, clock Clock) *Codec {
	t.Helper()
	codec, err := New(Config{
		Issuer:  "issuer",
		Access:  KindConfig{Secret: []byte("access-secret"), TTL: time.Minute},
		Refresh: KindConfig{Secret: []byte("refresh-secret"), TTL: time.Hour},
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return codec
}

func mintToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	valid := Config{
		Issuer:  "issuer",
		Access:  KindConfig{Secret: []byte("a"), TTL: time.Minute},
		Refresh: KindConfig{Secret: []byte("r"), TTL: time.Hour},
	}
	tests := []struct {
		name      string
		mutate    func(configuration *Config)
		expectErr error
	}{
		{name: "missing issuer", mutate: func(configuration *Config) { configuration.Issuer = " " }, expectErr: ErrMissingIssuer},
		{name: "missing access secret", mutate: func(configuration *Config) { configuration.Access.Secret = nil }, expectErr: ErrMissingAccessSecret},
		{name: "missing refresh secret", mutate: func(configuration *Config) { configuration.Refresh.Secret = nil }, expectErr: ErrMissingRefreshSecret},
		{name: "shared secret", mutate: func(configuration *Config) { configuration.Refresh.Secret = []byte("a") }, expectErr: ErrSharedSecret},
		{name: "zero access ttl", mutate: func(configuration *Config) { configuration.Access.TTL = 0 }, expectErr: ErrInvalidTTL},
		{name: "negative refresh ttl", mutate: func(configuration *Config) { configuration.Refresh.TTL = -time.Second }, expectErr: ErrInvalidTTL},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			configuration := valid
			testCase.mutate(&configuration)
			if _, err := New(configuration); !errors.Is(err, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, err)
			}
		})
	}

	codec, err := New(valid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if codec.clock == nil {
		t.Fatalf("expected default clock to be set")
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	codec := newTestCodec(t, clock)

	for _, kind := range []Kind{KindAccess, KindRefresh} {
		issued, err := codec.Issue(kind, "user-123")
		if err != nil {
			t.Fatalf("issue %s: %v", kind, err)
		}
		if issued.Value == "" || issued.ID == "" {
			t.Fatalf("expected token value and id for %s", kind)
		}
		if !issued.ExpiresAt.Equal(clock.current.Add(codec.TTL(kind))) {
			t.Fatalf("unexpected expiry for %s: %v", kind, issued.ExpiresAt)
		}
		claims, verifyErr := codec.Verify(issued.Value, kind)
		if verifyErr != nil {
			t.Fatalf("verify %s: %v", kind, verifyErr)
		}
		if claims.GetUserID() != "user-123" || claims.Kind != kind || claims.ID != issued.ID {
			t.Fatalf("unexpected claims for %s: %#v", kind, claims)
		}
		if !claims.GetIssuedAtTime().Equal(clock.current) {
			t.Fatalf("unexpected issued at: %v", claims.GetIssuedAtTime())
		}
	}
}

func TestIssueProducesDistinctTokensWithinOneSecond(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, &fixedClock{current: time.Unix(1700000000, 0).UTC()})
	first, err := codec.IssueRefresh("user-123")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := codec.IssueRefresh("user-123")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if first.Value == second.Value {
		t.Fatalf("expected distinct refresh tokens for the same instant")
	}
}

func TestIssueRejectsEmptySubjectAndUnknownKind(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, nil)
	if _, err := codec.IssueAccess(""); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if _, err := codec.Issue(Kind("session"), "user"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := codec.Verify("token", Kind("session")); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind on verify, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Parallel()

	clock := &fixedClock{current: time.Unix(1700000000, 0).UTC()}
	codec := newTestCodec(t, clock)
	issued, err := codec.IssueAccess("user-123")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := codec.Verify(issued.Value, KindAccess); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsCrossKindTokens(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t, &fixedClock{current: time.Unix(1700000000, 0).UTC()})
	access, err := codec.IssueAccess("user-123")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	refresh, err := codec.IssueRefresh("user-123")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if _, err := codec.Verify(access.Value, KindRefresh); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected access token to fail as refresh, got %v", err)
	}
	if _, err := codec.Verify(refresh.Value, KindAccess); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected refresh token to fail as access, got %v", err)
	}
}

func TestVerifyRejectsInvalidCases(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	codec := newTestCodec(t, &fixedClock{current: now})
	baseClaims := func() Claims {
		return Claims{
			Kind: KindAccess,
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        "token-id",
				Issuer:    "issuer",
				Subject:   "user-123",
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			},
		}
	}
	tests := []struct {
		name      string
		tokenFunc func() string
		expectErr error
	}{
		{
			name:      "empty token",
			tokenFunc: func() string { return " " },
			expectErr: ErrMissingToken,
		},
		{
			name:      "garbage",
			tokenFunc: func() string { return "not-a-token" },
			expectErr: ErrMalformed,
		},
		{
			name: "tampered signature",
			tokenFunc: func() string {
				value := mintToken(t, []byte("access-secret"), baseClaims())
				return value[:strings.LastIndex(value, ".")+1] + "AAAA"
			},
			expectErr: ErrInvalidSignature,
		},
		{
			name: "foreign secret",
			tokenFunc: func() string {
				return mintToken(t, []byte("other-secret"), baseClaims())
			},
			expectErr: ErrInvalidSignature,
		},
		{
			name: "wrong issuer",
			tokenFunc: func() string {
				claims := baseClaims()
				claims.Issuer = "other-issuer"
				return mintToken(t, []byte("access-secret"), claims)
			},
			expectErr: ErrMalformed,
		},
		{
			name: "missing subject",
			tokenFunc: func() string {
				claims := baseClaims()
				claims.Subject = ""
				return mintToken(t, []byte("access-secret"), claims)
			},
			expectErr: ErrMalformed,
		},
		{
			name: "kind mismatch under the access secret",
			tokenFunc: func() string {
				claims := baseClaims()
				claims.Kind = KindRefresh
				return mintToken(t, []byte("access-secret"), claims)
			},
			expectErr: ErrMalformed,
		},
		{
			name: "missing expiry",
			tokenFunc: func() string {
				claims := baseClaims()
				claims.ExpiresAt = nil
				return mintToken(t, []byte("access-secret"), claims)
			},
			expectErr: ErrMalformed,
		},
		{
			name: "issued in the future",
			tokenFunc: func() string {
				claims := baseClaims()
				claims.IssuedAt = jwt.NewNumericDate(now.Add(time.Hour))
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(2 * time.Hour))
				return mintToken(t, []byte("access-secret"), claims)
			},
			expectErr: ErrMalformed,
		},
		{
			name: "expired and foreign secret reports signature first",
			tokenFunc: func() string {
				claims := baseClaims()
				claims.IssuedAt = jwt.NewNumericDate(now.Add(-time.Hour))
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
				return mintToken(t, []byte("other-secret"), claims)
			},
			expectErr: ErrInvalidSignature,
		},
		{
			name: "none algorithm",
			tokenFunc: func() string {
				token := jwt.NewWithClaims(jwt.SigningMethodNone, baseClaims())
				value, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
				if err != nil {
					t.Fatalf("sign none: %v", err)
				}
				return value
			},
			expectErr: ErrInvalidSignature,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			claims, err := codec.Verify(testCase.tokenFunc(), KindAccess)
			if claims != nil {
				t.Fatalf("expected no claims, got %#v", claims)
			}
			if !errors.Is(err, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, err)
			}
		})
	}
}

func TestTokenFromRequestPrefersCookie(t *testing.T) {
	t.Parallel()

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	if token := TokenFromRequest(request, "accessToken"); token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}

	request.Header.Set("Authorization", "Bearer header-token")
	if token := TokenFromRequest(request, "accessToken"); token != "header-token" {
		t.Fatalf("expected header token, got %q", token)
	}

	request.AddCookie(&http.Cookie{Name: "accessToken", Value: "cookie-token"})
	if token := TokenFromRequest(request, "accessToken"); token != "cookie-token" {
		t.Fatalf("expected cookie token to win, got %q", token)
	}

	basic := httptest.NewRequest(http.MethodGet, "/", nil)
	basic.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if token := TokenFromRequest(basic, "accessToken"); token != "" {
		t.Fatalf("expected non-bearer header to be ignored, got %q", token)
	}
	if token := TokenFromRequest(nil, "accessToken"); token != "" {
		t.Fatalf("expected empty token for nil request")
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	codec := newTestCodec(t, nil)

	issued, err := codec.IssueAccess("user-123")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	refresh, err := codec.IssueRefresh("user-123")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}

	router := gin.New()
	router.Use(codec.GinMiddleware("", ""))
	router.GET("/protected", func(contextGin *gin.Context) {
		claims := contextGin.MustGet(DefaultContextKey).(*Claims)
		contextGin.String(http.StatusOK, claims.GetUserID())
	})

	okRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	okRequest.AddCookie(&http.Cookie{Name: DefaultAccessCookieName, Value: issued.Value})
	okRecorder := httptest.NewRecorder()
	router.ServeHTTP(okRecorder, okRequest)
	if okRecorder.Code != http.StatusOK || okRecorder.Body.String() != "user-123" {
		t.Fatalf("expected 200 with subject, got %d %q", okRecorder.Code, okRecorder.Body.String())
	}

	refreshRequest := httptest.NewRequest(http.MethodGet, "/protected", nil)
	refreshRequest.Header.Set("Authorization", "Bearer "+refresh.Value)
	refreshRecorder := httptest.NewRecorder()
	router.ServeHTTP(refreshRecorder, refreshRequest)
	if refreshRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh token, got %d", refreshRecorder.Code)
	}
}
