package authkit

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

type envelope struct {
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type tokenData struct {
	User         *PublicUser `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

func newRouteHarness(t *testing.T) (*gin.Engine, *sessionHarness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	harness := newSessionHarness(t, nil)
	router := gin.New()
	group := router.Group("/api/v1/users")
	MountAuthRoutes(group, harness.config, harness.manager, zaptest.NewLogger(t))
	group.GET("/current-user", RequireUser(harness.config, harness.manager, nil), func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		RespondSuccess(contextGin, http.StatusOK, principal, "Current user fetched")
	})
	return router, harness
}

func performJSON(t *testing.T, router http.Handler, method string, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(request)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) envelope {
	t.Helper()
	var decoded envelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode envelope %q: %v", recorder.Body.String(), err)
	}
	if decoded.Status != recorder.Code {
		t.Fatalf("envelope status %d does not match response code %d", decoded.Status, recorder.Code)
	}
	return decoded
}

func decodeTokens(t *testing.T, recorder *httptest.ResponseRecorder) tokenData {
	t.Helper()
	var data tokenData
	if err := json.Unmarshal(decodeEnvelope(t, recorder).Data, &data); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return data
}

func responseCookies(recorder *httptest.ResponseRecorder) map[string]*http.Cookie {
	cookies := make(map[string]*http.Cookie)
	for _, cookie := range recorder.Result().Cookies() {
		cookies[cookie.Name] = cookie
	}
	return cookies
}

func withCookie(name string, value string) func(*http.Request) {
	return func(request *http.Request) {
		request.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}

func withBearer(token string) func(*http.Request) {
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func TestHTTPSessionLifecycle(t *testing.T) {
	t.Parallel()
	router, harness := newRouteHarness(t)
	seedUser(t, harness.users, "alice", "correct-pw")

	wrong := performJSON(t, router, http.MethodPost, "/api/v1/users/login", LoginRequest{Username: "alice", Password: "wrong"}, nil)
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", wrong.Code)
	}
	if decodeEnvelope(t, wrong).Message != "invalid user credentials" {
		t.Fatalf("unexpected message %s", wrong.Body.String())
	}
	unknown := performJSON(t, router, http.MethodPost, "/api/v1/users/login", LoginRequest{Username: "mallory", Password: "pw"}, nil)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", unknown.Code)
	}

	login := performJSON(t, router, http.MethodPost, "/api/v1/users/login", LoginRequest{Username: "alice", Password: "correct-pw"}, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("expected 200 for login, got %d: %s", login.Code, login.Body.String())
	}
	tokens := decodeTokens(t, login)
	if tokens.User == nil || tokens.User.Username != "alice" {
		t.Fatalf("expected alice in login payload, got %+v", tokens.User)
	}
	if bytes.Contains(login.Body.Bytes(), []byte("hash-alice")) || bytes.Contains(login.Body.Bytes(), []byte("$2a$")) {
		t.Fatalf("login payload leaks the password hash")
	}
	cookies := responseCookies(login)
	accessCookie, refreshCookie := cookies["accessToken"], cookies["refreshToken"]
	if accessCookie == nil || refreshCookie == nil {
		t.Fatalf("expected both session cookies, got %v", cookies)
	}
	if !accessCookie.HttpOnly || !accessCookie.Secure || !refreshCookie.HttpOnly || !refreshCookie.Secure {
		t.Fatalf("expected HttpOnly secure cookies")
	}
	if !accessCookie.Expires.Equal(harness.clock.Now().Add(testAccessTTL)) || !refreshCookie.Expires.Equal(harness.clock.Now().Add(testRefreshTTL)) {
		t.Fatalf("expected cookie expiry to follow token lifetimes, got %v and %v", accessCookie.Expires, refreshCookie.Expires)
	}
	if accessCookie.Value != tokens.AccessToken || refreshCookie.Value != tokens.RefreshToken {
		t.Fatalf("expected cookie values to match the body")
	}

	current := performJSON(t, router, http.MethodGet, "/api/v1/users/current-user", nil, withCookie("accessToken", tokens.AccessToken))
	if current.Code != http.StatusOK {
		t.Fatalf("expected 200 for current user, got %d", current.Code)
	}
	var principal PublicUser
	if err := json.Unmarshal(decodeEnvelope(t, current).Data, &principal); err != nil || principal.Username != "alice" {
		t.Fatalf("expected alice principal, got %+v, %v", principal, err)
	}

	refreshed := performJSON(t, router, http.MethodPost, "/api/v1/users/refresh-token", nil, withCookie("refreshToken", tokens.RefreshToken))
	if refreshed.Code != http.StatusOK {
		t.Fatalf("expected 200 for refresh, got %d: %s", refreshed.Code, refreshed.Body.String())
	}
	rotated := decodeTokens(t, refreshed)
	if rotated.RefreshToken == tokens.RefreshToken || rotated.User != nil {
		t.Fatalf("unexpected refresh payload %+v", rotated)
	}

	replay := performJSON(t, router, http.MethodPost, "/api/v1/users/refresh-token", nil, withCookie("refreshToken", tokens.RefreshToken))
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for replayed refresh token, got %d", replay.Code)
	}

	bodyRefresh := performJSON(t, router, http.MethodPost, "/api/v1/users/refresh-token", RefreshRequest{RefreshToken: rotated.RefreshToken}, nil)
	if bodyRefresh.Code != http.StatusOK {
		t.Fatalf("expected 200 for body refresh, got %d", bodyRefresh.Code)
	}
	latest := decodeTokens(t, bodyRefresh)

	logout := performJSON(t, router, http.MethodPost, "/api/v1/users/logout", nil, withBearer(latest.AccessToken))
	if logout.Code != http.StatusOK {
		t.Fatalf("expected 200 for logout, got %d", logout.Code)
	}
	cleared := responseCookies(logout)
	for _, name := range []string{"accessToken", "refreshToken"} {
		if cookie := cleared[name]; cookie == nil || cookie.MaxAge >= 0 || cookie.Value != "" {
			t.Fatalf("expected %s cookie cleared, got %+v", name, cookie)
		}
	}

	afterLogout := performJSON(t, router, http.MethodPost, "/api/v1/users/refresh-token", RefreshRequest{RefreshToken: latest.RefreshToken}, nil)
	if afterLogout.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for refresh after logout, got %d", afterLogout.Code)
	}
	stillValid := performJSON(t, router, http.MethodGet, "/api/v1/users/current-user", nil, withBearer(latest.AccessToken))
	if stillValid.Code != http.StatusOK {
		t.Fatalf("expected access token to remain valid after logout, got %d", stillValid.Code)
	}
}

func TestHTTPRefreshWithoutTokenIsUnauthorized(t *testing.T) {
	t.Parallel()
	router, _ := newRouteHarness(t)
	recorder := performJSON(t, router, http.MethodPost, "/api/v1/users/refresh-token", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if decodeEnvelope(t, recorder).Message == "" {
		t.Fatalf("expected error message")
	}
}

func TestHTTPGatedRoutesRequireAccessToken(t *testing.T) {
	t.Parallel()
	router, _ := newRouteHarness(t)
	for _, path := range []string{"/api/v1/users/logout", "/api/v1/users/change-password"} {
		recorder := performJSON(t, router, http.MethodPost, path, nil, nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
	}
}

func TestHTTPChangePasswordClearsSession(t *testing.T) {
	t.Parallel()
	router, harness := newRouteHarness(t)
	seedUser(t, harness.users, "alice", "correct-pw")
	tokens := decodeTokens(t, performJSON(t, router, http.MethodPost, "/api/v1/users/login", LoginRequest{Username: "alice", Password: "correct-pw"}, nil))

	wrongOld := performJSON(t, router, http.MethodPost, "/api/v1/users/change-password",
		ChangePasswordRequest{OldPassword: "nope", NewPassword: "next-pw"}, withBearer(tokens.AccessToken))
	if wrongOld.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong old password, got %d", wrongOld.Code)
	}
	missing := performJSON(t, router, http.MethodPost, "/api/v1/users/change-password",
		map[string]string{"oldPassword": "correct-pw"}, withBearer(tokens.AccessToken))
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing new password, got %d", missing.Code)
	}
	tooLong := performJSON(t, router, http.MethodPost, "/api/v1/users/change-password",
		ChangePasswordRequest{OldPassword: "correct-pw", NewPassword: strings.Repeat("n", maxPasswordBytes+1)}, withBearer(tokens.AccessToken))
	if tooLong.Code != http.StatusBadRequest || decodeEnvelope(t, tooLong).Message != passwordTooLongMessage {
		t.Fatalf("expected 400 for over-long password, got %d: %s", tooLong.Code, tooLong.Body.String())
	}

	changed := performJSON(t, router, http.MethodPost, "/api/v1/users/change-password",
		ChangePasswordRequest{OldPassword: "correct-pw", NewPassword: "next-pw"}, withBearer(tokens.AccessToken))
	if changed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", changed.Code, changed.Body.String())
	}
	if cookie := responseCookies(changed)["refreshToken"]; cookie == nil || cookie.MaxAge >= 0 {
		t.Fatalf("expected refresh cookie cleared")
	}
	refresh := performJSON(t, router, http.MethodPost, "/api/v1/users/refresh-token", RefreshRequest{RefreshToken: tokens.RefreshToken}, nil)
	if refresh.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after password change, got %d", refresh.Code)
	}
}

func TestHTTPDevInsecureCookies(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	harness := newSessionHarness(t, nil)
	configuration := harness.config
	configuration.AllowInsecureCookies = true
	router := gin.New()
	MountAuthRoutes(router, configuration, harness.manager, nil)
	seedUser(t, harness.users, "alice", "correct-pw")

	login := performJSON(t, router, http.MethodPost, "/login", LoginRequest{Username: "alice", Password: "correct-pw"}, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", login.Code)
	}
	if cookie := responseCookies(login)["accessToken"]; cookie == nil || cookie.Secure {
		t.Fatalf("expected non-secure cookie in dev mode")
	}
}

func multipartRegistration(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for field, filename := range files {
		part, err := writer.CreateFormFile(field, filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("\x89PNG\r\n\x1a\nimage-bytes")); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestHTTPRegister(t *testing.T) {
	t.Parallel()
	router, harness := newRouteHarness(t)
	fields := map[string]string{
		"username": "Carol",
		"email":    "carol@example.com",
		"fullName": "Carol Danvers",
		"password": "correct-pw",
	}

	body, contentType := multipartRegistration(t, fields, map[string]string{"avatar": "me.PNG"})
	request := httptest.NewRequest(http.MethodPost, "/api/v1/users/register", body)
	request.Header.Set("Content-Type", contentType)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created PublicUser
	if err := json.Unmarshal(decodeEnvelope(t, recorder).Data, &created); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if created.Username != "carol" || created.AvatarURL == "" || created.CoverImageURL != "" {
		t.Fatalf("unexpected registered user %+v", created)
	}
	if len(harness.media.uploads) != 1 {
		t.Fatalf("expected one upload, got %v", harness.media.uploads)
	}

	duplicateBody, duplicateType := multipartRegistration(t, fields, map[string]string{"avatar": "me.png"})
	duplicate := httptest.NewRequest(http.MethodPost, "/api/v1/users/register", duplicateBody)
	duplicate.Header.Set("Content-Type", duplicateType)
	duplicateRecorder := httptest.NewRecorder()
	router.ServeHTTP(duplicateRecorder, duplicate)
	if duplicateRecorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", duplicateRecorder.Code)
	}

	noAvatarFields := map[string]string{"username": "dave", "email": "dave@example.com", "fullName": "Dave", "password": "pw"}
	noAvatarBody, noAvatarType := multipartRegistration(t, noAvatarFields, nil)
	noAvatar := httptest.NewRequest(http.MethodPost, "/api/v1/users/register", noAvatarBody)
	noAvatar.Header.Set("Content-Type", noAvatarType)
	noAvatarRecorder := httptest.NewRecorder()
	router.ServeHTTP(noAvatarRecorder, noAvatar)
	if noAvatarRecorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without avatar, got %d", noAvatarRecorder.Code)
	}
}

func TestStatusForError(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "credentials", err: newSessionError(ErrInvalidCredentials, "invalid user credentials", nil), status: http.StatusUnauthorized, message: "invalid user credentials"},
		{name: "not found", err: newSessionError(ErrUserNotFound, "user does not exist", nil), status: http.StatusNotFound, message: "user does not exist"},
		{name: "validation", err: newSessionError(ErrValidation, "bad", nil), status: http.StatusBadRequest, message: "bad"},
		{name: "conflict", err: newSessionError(ErrConflict, "taken", nil), status: http.StatusConflict, message: "taken"},
		{name: "storage", err: newSessionError(ErrStorage, "user store unavailable", nil), status: http.StatusServiceUnavailable, message: "user store unavailable"},
		{name: "bare sentinel", err: ErrUnauthorized, status: http.StatusUnauthorized, message: http.StatusText(http.StatusUnauthorized)},
		{name: "unknown", err: bytes.ErrTooLarge, status: http.StatusInternalServerError, message: "internal error"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, message := StatusForError(testCase.err)
			if status != testCase.status || message != testCase.message {
				t.Fatalf("expected %d %q, got %d %q", testCase.status, testCase.message, status, message)
			}
		})
	}
}
