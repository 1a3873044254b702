package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"expense-manager/internal/auth"
	"expense-manager/internal/models"
)

// Context key type to avoid collisions.
type contextKey string

// UserContextKey is the context key for the authenticated user.
const UserContextKey contextKey = "user"

// GetUserFromContext retrieves the authenticated user from request context.
func GetUserFromContext(r *http.Request) *models.User {
	if user, ok := r.Context().Value(UserContextKey).(*models.User); ok {
		return user
	}
	return nil
}

// userID returns the authenticated user's id, or "" when there is none.
func userID(r *http.Request) string {
	if u := GetUserFromContext(r); u != nil {
		return u.ID
	}
	return ""
}

func username(r *http.Request) string {
	if u := GetUserFromContext(r); u != nil {
		return u.Username
	}
	return ""
}

// AuthMiddleware wraps handlers to require authentication.
//
// A bearer token, when present and token auth is enabled, decides on its own.
// Otherwise the session cookie is checked. Sessions past the halfway point of
// their lifetime are renewed.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearer, ok := bearerToken(r); ok && h.tokens != nil {
			user, err := h.userFromToken(r.Context(), bearer)
			if err != nil {
				h.logger(r).Warn().Err(err).Msg("Bearer token rejected")
				h.redirectToLogin(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
			return
		}

		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			h.redirectToLogin(w, r)
			return
		}

		sessionInfo, err := h.db.ValidateSessionWithInfo(r.Context(), cookie.Value)
		if err != nil {
			h.clearSessionCookie(w)
			h.redirectToLogin(w, r)
			return
		}

		now := h.now()
		if sessionInfo.ExpiresAt.Sub(now) < h.sessionDuration/2 {
			newExpiresAt := now.Add(h.sessionDuration)
			if err := h.db.RenewSession(r.Context(), cookie.Value, newExpiresAt); err != nil {
				h.logger(r).Warn().Err(err).Msg("Failed to renew session")
			} else {
				h.setSessionCookie(w, cookie.Value)
			}
		}

		ctx := context.WithValue(r.Context(), UserContextKey, sessionInfo.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) userFromToken(ctx context.Context, token string) (*models.User, error) {
	subject, err := h.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return h.db.GetUserByID(ctx, subject)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (h *Handlers) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	target := loginPath
	if r.Method == http.MethodGet && r.URL.Path != listPath {
		target += "?returnUrl=" + url.QueryEscape(r.URL.RequestURI())
	}
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// LoginViewModel holds data for the login page.
type LoginViewModel struct {
	User      string
	Username  string
	ReturnURL string
	Error     string
}

// LoginForm renders the login page.
func (h *Handlers) LoginForm(w http.ResponseWriter, r *http.Request) {
	returnURL := r.URL.Query().Get("returnUrl")
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if _, err := h.db.ValidateSession(r.Context(), cookie.Value); err == nil {
			http.Redirect(w, r, afterLogin(returnURL), http.StatusFound)
			return
		}
	}
	h.render(w, r, http.StatusOK, "login.html", LoginViewModel{ReturnURL: returnURL})
}

// Login handles the login form submission.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, r, http.StatusBadRequest, "login.html", LoginViewModel{Error: "Invalid form submission"})
		return
	}

	vm := LoginViewModel{
		Username:  strings.TrimSpace(r.FormValue("username")),
		ReturnURL: r.FormValue("returnUrl"),
	}
	password := r.FormValue("password")

	if vm.Username == "" || password == "" {
		vm.Error = "Username and password are required"
		h.render(w, r, http.StatusOK, "login.html", vm)
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), vm.Username)
	if err != nil || !auth.CheckPassword(password, user.PasswordHash) {
		h.logger(r).Warn().Str("username", vm.Username).Msg("Failed login attempt")
		vm.Error = "Invalid username or password"
		h.render(w, r, http.StatusOK, "login.html", vm)
		return
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		h.logger(r).Error().Err(err).Msg("Failed to generate session token")
		vm.Error = "An error occurred. Please try again."
		h.render(w, r, http.StatusOK, "login.html", vm)
		return
	}

	if err := h.db.CreateSession(r.Context(), token, user.ID, h.now().Add(h.sessionDuration)); err != nil {
		h.logger(r).Error().Err(err).Msg("Failed to create session")
		vm.Error = "An error occurred. Please try again."
		h.render(w, r, http.StatusOK, "login.html", vm)
		return
	}

	h.setSessionCookie(w, token)
	h.logger(r).Info().Str("user_id", user.ID).Msg("User logged in")
	http.Redirect(w, r, afterLogin(vm.ReturnURL), http.StatusFound)
}

// Logout handles user logout.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if err := h.db.DeleteSession(r.Context(), cookie.Value); err != nil {
			h.logger(r).Error().Err(err).Msg("Failed to delete session")
		}
	}
	h.clearSessionCookie(w)
	http.Redirect(w, r, loginPath, http.StatusFound)
}

func afterLogin(returnURL string) string {
	if returnURL != "" && localPath(returnURL) {
		return returnURL
	}
	return listPath
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}
