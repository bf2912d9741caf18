package authkit

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/streamauth/pkg/sessiontoken"
	"go.uber.org/zap"
)

const (
	formFieldAvatar     = "avatar"
	formFieldCoverImage = "coverImage"
)

type registerForm struct {
	Username string `form:"username" binding:"required"`
	Email    string `form:"email" binding:"required,email"`
	FullName string `form:"fullName" binding:"required"`
	Password string `form:"password" binding:"required"`
}

type sessionPayload struct {
	User         *PublicUser `json:"user,omitempty"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

// MountAuthRoutes registers /register, /login, /refresh-token, /logout, and /change-password.
// The last two sit behind RequireUser.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, sessions *SessionManager, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gatekeeper := RequireUser(configuration, sessions, logger)

	router.POST("/register", func(contextGin *gin.Context) {
		var inbound registerForm
		if err := contextGin.ShouldBind(&inbound); err != nil {
			RespondError(contextGin, newSessionError(ErrValidation, "username, email, fullName, and password are required", nil))
			return
		}
		avatarPath, avatarErr := saveUpload(contextGin, formFieldAvatar)
		if avatarErr != nil {
			RespondError(contextGin, newSessionError(ErrValidation, "avatar file is required", nil))
			return
		}
		defer removeUpload(avatarPath)
		coverImagePath, _ := saveUpload(contextGin, formFieldCoverImage)
		defer removeUpload(coverImagePath)

		created, registerErr := sessions.Register(contextGin.Request.Context(), RegistrationRequest{
			Username:       inbound.Username,
			Email:          inbound.Email,
			FullName:       inbound.FullName,
			Password:       inbound.Password,
			AvatarPath:     avatarPath,
			CoverImagePath: coverImagePath,
		})
		if registerErr != nil {
			RespondError(contextGin, registerErr)
			return
		}
		RespondSuccess(contextGin, http.StatusCreated, created, "User registered successfully")
	})

	router.POST("/login", func(contextGin *gin.Context) {
		var inbound LoginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			RespondError(contextGin, newSessionError(ErrValidation, "username or email and password are required", nil))
			return
		}
		grant, loginErr := sessions.Login(contextGin.Request.Context(), inbound)
		if loginErr != nil {
			RespondError(contextGin, loginErr)
			return
		}
		writeSessionCookies(contextGin, configuration, grant)
		user := grant.User
		RespondSuccess(contextGin, http.StatusOK, sessionPayload{
			User:         &user,
			AccessToken:  grant.AccessToken.Value,
			RefreshToken: grant.RefreshToken.Value,
		}, "User logged in successfully")
	})

	router.POST("/refresh-token", func(contextGin *gin.Context) {
		presented := ""
		if refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.refreshCookieName()); cookieErr == nil && refreshCookie != nil {
			presented = strings.TrimSpace(refreshCookie.Value)
		}
		if presented == "" {
			var inbound RefreshRequest
			_ = contextGin.ShouldBindJSON(&inbound)
			presented = strings.TrimSpace(inbound.RefreshToken)
		}
		grant, refreshErr := sessions.Refresh(contextGin.Request.Context(), presented)
		if refreshErr != nil {
			RespondError(contextGin, refreshErr)
			return
		}
		writeSessionCookies(contextGin, configuration, grant)
		RespondSuccess(contextGin, http.StatusOK, sessionPayload{
			AccessToken:  grant.AccessToken.Value,
			RefreshToken: grant.RefreshToken.Value,
		}, "Access token refreshed")
	})

	router.POST("/logout", gatekeeper, func(contextGin *gin.Context) {
		principal, _ := PrincipalFromContext(contextGin)
		if logoutErr := sessions.Logout(contextGin.Request.Context(), principal.ID); logoutErr != nil {
			RespondError(contextGin, logoutErr)
			return
		}
		clearSessionCookies(contextGin, configuration)
		RespondSuccess(contextGin, http.StatusOK, gin.H{}, "User logged out")
	})

	router.POST("/change-password", gatekeeper, func(contextGin *gin.Context) {
		var inbound ChangePasswordRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			RespondError(contextGin, newSessionError(ErrValidation, "old and new passwords are required", nil))
			return
		}
		principal, _ := PrincipalFromContext(contextGin)
		if changeErr := sessions.ChangePassword(contextGin.Request.Context(), principal.ID, inbound); changeErr != nil {
			RespondError(contextGin, changeErr)
			return
		}
		clearSessionCookies(contextGin, configuration)
		RespondSuccess(contextGin, http.StatusOK, gin.H{}, "Password changed successfully")
	})
}

func writeSessionCookies(contextGin *gin.Context, configuration ServerConfig, grant SessionGrant) {
	writeCookie(contextGin, configuration, configuration.accessCookieName(), grant.AccessToken)
	writeCookie(contextGin, configuration, configuration.refreshCookieName(), grant.RefreshToken)
}

func writeCookie(contextGin *gin.Context, configuration ServerConfig, name string, token sessiontoken.IssuedToken) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    token.Value,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  token.ExpiresAt,
		Secure:   !configuration.AllowInsecureCookies,
		HttpOnly: true,
		SameSite: configuration.sameSite(),
	})
}

func clearSessionCookies(contextGin *gin.Context, configuration ServerConfig) {
	clearCookie(contextGin, configuration, configuration.accessCookieName())
	clearCookie(contextGin, configuration, configuration.refreshCookieName())
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureCookies,
		HttpOnly: true,
		SameSite: configuration.sameSite(),
	})
}

// saveUpload stores the named multipart file under the temp directory with a random name.
func saveUpload(contextGin *gin.Context, field string) (string, error) {
	fileHeader, formErr := contextGin.FormFile(field)
	if formErr != nil {
		return "", formErr
	}
	destination := filepath.Join(os.TempDir(), uuid.NewString()+strings.ToLower(filepath.Ext(fileHeader.Filename)))
	if saveErr := contextGin.SaveUploadedFile(fileHeader, destination); saveErr != nil {
		return "", saveErr
	}
	return destination, nil
}

func removeUpload(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
