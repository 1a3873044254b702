package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"expense-manager/internal/auth"
	"expense-manager/internal/expense"
	"expense-manager/internal/models"
	"expense-manager/internal/storage"
	"expense-manager/web"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const testSecret = "test-secret"

type HandlersTestSuite struct {
	suite.Suite
	ctx   context.Context
	db    *storage.DB
	h     *Handlers
	alice *models.User
	bob   *models.User
}

func (suite *HandlersTestSuite) SetupTest() {
	suite.ctx = context.Background()

	db, err := storage.NewDB(":memory:")
	require.NoError(suite.T(), err)
	suite.db = db

	hash, err := auth.HashPassword("password123")
	require.NoError(suite.T(), err)
	suite.alice, err = db.CreateUser(suite.ctx, "alice", hash)
	require.NoError(suite.T(), err)
	suite.bob, err = db.CreateUser(suite.ctx, "bob", hash)
	require.NoError(suite.T(), err)

	svc := expense.NewService(db, nil, zerolog.Nop())
	suite.h, err = NewHandlers(db, svc, web.Templates(), zerolog.Nop(), Options{
		Tokens: auth.NewTokenVerifier(testSecret, ""),
	})
	require.NoError(suite.T(), err)
}

func (suite *HandlersTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

// login creates a session for u and returns its cookie.
func (suite *HandlersTestSuite) login(u *models.User) *http.Cookie {
	token, err := auth.GenerateSessionToken()
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), suite.db.CreateSession(suite.ctx, token, u.ID, time.Now().Add(DefaultSessionDuration)))
	return &http.Cookie{Name: SessionCookieName, Value: token}
}

// serve runs handler behind the auth middleware as u (nil means anonymous).
func (suite *HandlersTestSuite) serve(handler http.HandlerFunc, req *http.Request, u *models.User) *httptest.ResponseRecorder {
	if u != nil {
		req.AddCookie(suite.login(u))
	}
	w := httptest.NewRecorder()
	suite.h.AuthMiddleware(handler).ServeHTTP(w, req)
	return w
}

func postForm(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func withID(req *http.Request, id int64) *http.Request {
	req.SetPathValue("id", strconv.FormatInt(id, 10))
	return req
}

func coffeeForm() url.Values {
	return url.Values{
		"description": {"Coffee"},
		"amount":      {"4.50"},
		"category":    {"Food"},
		"date":        {"2024-01-01T08:30"},
	}
}

func (suite *HandlersTestSuite) createExpense(u *models.User, description string) *models.Expense {
	e := &models.Expense{
		UserID:      u.ID,
		Description: description,
		Category:    "Food",
		Date:        time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC),
	}
	var err error
	e.Amount, err = expense.ParseAmount("4.50")
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), suite.db.CreateExpense(suite.ctx, e))
	return e
}

func (suite *HandlersTestSuite) TestListRequiresAuth() {
	w := suite.serve(suite.h.ListExpenses, httptest.NewRequest(http.MethodGet, "/Expense", http.NoBody), nil)

	assert.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Account/Login", w.Header().Get("Location"))
}

func (suite *HandlersTestSuite) TestAuthRedirectKeepsReturnURL() {
	w := suite.serve(suite.h.CreateExpenseForm, httptest.NewRequest(http.MethodGet, "/Expense/Create", http.NoBody), nil)

	assert.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Account/Login?returnUrl=%2FExpense%2FCreate", w.Header().Get("Location"))
}

func (suite *HandlersTestSuite) TestInvalidSessionClearsCookie() {
	req := httptest.NewRequest(http.MethodGet, "/Expense", http.NoBody)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "bogus"})
	w := httptest.NewRecorder()
	suite.h.AuthMiddleware(http.HandlerFunc(suite.h.ListExpenses)).ServeHTTP(w, req)

	assert.Equal(suite.T(), http.StatusFound, w.Code)
	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), -1, cookies[0].MaxAge)
}

func (suite *HandlersTestSuite) TestListShowsOnlyOwnExpenses() {
	suite.createExpense(suite.alice, "Alice lunch")
	suite.createExpense(suite.bob, "Bob dinner")

	w := suite.serve(suite.h.ListExpenses, httptest.NewRequest(http.MethodGet, "/Expense", http.NoBody), suite.alice)

	require.Equal(suite.T(), http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(suite.T(), body, "Alice lunch")
	assert.Contains(suite.T(), body, "4.50")
	assert.NotContains(suite.T(), body, "Bob dinner")
	assert.Contains(suite.T(), body, "<html", "full page for a normal request")
}

func (suite *HandlersTestSuite) TestListHTMXRendersContentOnly() {
	req := httptest.NewRequest(http.MethodGet, "/Expense", http.NoBody)
	req.Header.Set("HX-Request", "true")
	w := suite.serve(suite.h.ListExpenses, req, suite.alice)

	require.Equal(suite.T(), http.StatusOK, w.Code)
	assert.NotContains(suite.T(), w.Body.String(), "<html")
	assert.Contains(suite.T(), w.Body.String(), "No expenses yet.")
}

func (suite *HandlersTestSuite) TestCreateExpense() {
	form := coffeeForm()
	form.Set("user_id", suite.bob.ID)
	w := suite.serve(suite.h.CreateExpense, postForm("/Expense/Create", form), suite.alice)

	require.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Expense", w.Header().Get("Location"))

	list, err := suite.db.ListExpensesByUser(suite.ctx, suite.alice.ID)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), list, 1)
	assert.Equal(suite.T(), "Coffee", list[0].Description)
	assert.Equal(suite.T(), "4.50", list[0].Amount.StringFixed(2))

	bobs, err := suite.db.ListExpensesByUser(suite.ctx, suite.bob.ID)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), bobs)
}

func (suite *HandlersTestSuite) TestCreateExpenseHTMX() {
	req := postForm("/Expense/Create", coffeeForm())
	req.Header.Set("HX-Request", "true")
	w := suite.serve(suite.h.CreateExpense, req, suite.alice)

	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Equal(suite.T(), `{"path":"/Expense", "target":"#content"}`, w.Header().Get("HX-Location"))
}

func (suite *HandlersTestSuite) TestCreateExpenseValidation() {
	form := coffeeForm()
	form.Set("description", "Bagel")
	form.Set("amount", "")
	w := suite.serve(suite.h.CreateExpense, postForm("/Expense/Create", form), suite.alice)

	assert.Equal(suite.T(), http.StatusUnprocessableEntity, w.Code)
	body := w.Body.String()
	assert.Contains(suite.T(), body, `value="Bagel"`, "input is echoed back")
	assert.Contains(suite.T(), body, "Amount is required")

	list, err := suite.db.ListExpensesByUser(suite.ctx, suite.alice.ID)
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), list)
}

func (suite *HandlersTestSuite) TestEditExpenseForm() {
	e := suite.createExpense(suite.alice, "Coffee")

	w := suite.serve(suite.h.EditExpenseForm, withID(httptest.NewRequest(http.MethodGet, "/", http.NoBody), e.ID), suite.alice)
	require.Equal(suite.T(), http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(suite.T(), body, `value="Coffee"`)
	assert.Contains(suite.T(), body, `value="2024-01-01T08:30"`)
	assert.Contains(suite.T(), body, `name="version" value="1"`)

	w = suite.serve(suite.h.EditExpenseForm, withID(httptest.NewRequest(http.MethodGet, "/", http.NoBody), e.ID), suite.bob)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)
	assert.NotContains(suite.T(), w.Body.String(), "Coffee")

	w = suite.serve(suite.h.EditExpenseForm, withID(httptest.NewRequest(http.MethodGet, "/", http.NoBody), 999), suite.alice)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.SetPathValue("id", "abc")
	w = suite.serve(suite.h.EditExpenseForm, req, suite.alice)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
}

func (suite *HandlersTestSuite) TestUpdateExpense() {
	e := suite.createExpense(suite.alice, "Coffee")

	form := coffeeForm()
	form.Set("id", strconv.FormatInt(e.ID, 10))
	form.Set("amount", "5.00")
	form.Set("version", "1")
	w := suite.serve(suite.h.UpdateExpense, withID(postForm("/", form), e.ID), suite.alice)

	require.Equal(suite.T(), http.StatusFound, w.Code)
	got, err := suite.db.GetExpense(suite.ctx, e.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "5.00", got.Amount.StringFixed(2))
	assert.Equal(suite.T(), int64(2), got.Version)
}

func (suite *HandlersTestSuite) TestUpdateExpenseFailures() {
	e := suite.createExpense(suite.alice, "Coffee")

	suite.Run("id mismatch", func() {
		form := coffeeForm()
		form.Set("id", strconv.FormatInt(e.ID+1, 10))
		w := suite.serve(suite.h.UpdateExpense, withID(postForm("/", form), e.ID), suite.alice)
		assert.Equal(suite.T(), http.StatusNotFound, w.Code)
	})

	suite.Run("not owner", func() {
		w := suite.serve(suite.h.UpdateExpense, withID(postForm("/", coffeeForm()), e.ID), suite.bob)
		assert.Equal(suite.T(), http.StatusForbidden, w.Code)
	})

	suite.Run("validation", func() {
		form := coffeeForm()
		form.Set("description", " ")
		w := suite.serve(suite.h.UpdateExpense, withID(postForm("/", form), e.ID), suite.alice)
		assert.Equal(suite.T(), http.StatusUnprocessableEntity, w.Code)
		assert.Contains(suite.T(), w.Body.String(), "Description is required")
	})

	suite.Run("conflict", func() {
		form := coffeeForm()
		form.Set("description", "Stale")
		form.Set("version", "7")
		w := suite.serve(suite.h.UpdateExpense, withID(postForm("/", form), e.ID), suite.alice)
		assert.Equal(suite.T(), http.StatusConflict, w.Code)
		body := w.Body.String()
		assert.Contains(suite.T(), body, "changed by someone else")
		assert.Contains(suite.T(), body, `value="Stale"`)
		assert.Contains(suite.T(), body, `name="version" value="1"`, "form carries the current version")
	})

	got, err := suite.db.GetExpense(suite.ctx, e.ID)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "Coffee", got.Description)
	assert.Equal(suite.T(), int64(1), got.Version)
}

func (suite *HandlersTestSuite) TestDeleteExpense() {
	e := suite.createExpense(suite.alice, "Coffee")

	w := suite.serve(suite.h.DeleteExpense, withID(httptest.NewRequest(http.MethodGet, "/", http.NoBody), e.ID), suite.bob)
	assert.Equal(suite.T(), http.StatusForbidden, w.Code)

	w = suite.serve(suite.h.DeleteExpense, withID(httptest.NewRequest(http.MethodGet, "/", http.NoBody), e.ID), suite.alice)
	assert.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Expense", w.Header().Get("Location"))

	w = suite.serve(suite.h.DeleteExpense, withID(httptest.NewRequest(http.MethodGet, "/", http.NoBody), e.ID), suite.alice)
	assert.Equal(suite.T(), http.StatusNotFound, w.Code)
}

func (suite *HandlersTestSuite) TestLogin() {
	w := httptest.NewRecorder()
	suite.h.Login(w, postForm("/Account/Login", url.Values{
		"username": {"alice"},
		"password": {"password123"},
	}))

	assert.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Expense", w.Header().Get("Location"))

	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), SessionCookieName, cookies[0].Name)
	assert.True(suite.T(), cookies[0].HttpOnly)

	user, err := suite.db.ValidateSession(suite.ctx, cookies[0].Value)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), suite.alice.ID, user.ID)
}

func (suite *HandlersTestSuite) TestLoginReturnURL() {
	tests := []struct {
		returnURL string
		want      string
	}{
		{"/Expense/Create", "/Expense/Create"},
		{"https://evil.example", "/Expense"},
		{"//evil.example", "/Expense"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		suite.h.Login(w, postForm("/Account/Login", url.Values{
			"username":  {"alice"},
			"password":  {"password123"},
			"returnUrl": {tt.returnURL},
		}))
		assert.Equal(suite.T(), tt.want, w.Header().Get("Location"), tt.returnURL)
	}
}

func (suite *HandlersTestSuite) TestLoginFailure() {
	w := httptest.NewRecorder()
	suite.h.Login(w, postForm("/Account/Login", url.Values{
		"username": {"alice"},
		"password": {"wrong"},
	}))

	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Contains(suite.T(), w.Body.String(), "Invalid username or password")
	assert.Empty(suite.T(), w.Result().Cookies())

	w = httptest.NewRecorder()
	suite.h.Login(w, postForm("/Account/Login", url.Values{}))
	assert.Contains(suite.T(), w.Body.String(), "Username and password are required")
}

func (suite *HandlersTestSuite) TestLoginFormRedirectsWhenLoggedIn() {
	req := httptest.NewRequest(http.MethodGet, "/Account/Login", http.NoBody)
	req.AddCookie(suite.login(suite.alice))
	w := httptest.NewRecorder()
	suite.h.LoginForm(w, req)

	assert.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Expense", w.Header().Get("Location"))
}

func (suite *HandlersTestSuite) TestLogout() {
	cookie := suite.login(suite.alice)
	req := httptest.NewRequest(http.MethodGet, "/Account/Logout", http.NoBody)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	suite.h.Logout(w, req)

	assert.Equal(suite.T(), http.StatusFound, w.Code)
	assert.Equal(suite.T(), "/Account/Login", w.Header().Get("Location"))

	_, err := suite.db.ValidateSession(suite.ctx, cookie.Value)
	assert.ErrorIs(suite.T(), err, storage.ErrNotFound)
}

func (suite *HandlersTestSuite) TestRollingSessionRenewal() {
	token, err := auth.GenerateSessionToken()
	require.NoError(suite.T(), err)
	require.NoError(suite.T(), suite.db.CreateSession(suite.ctx, token, suite.alice.ID, time.Now().Add(time.Hour)))

	req := httptest.NewRequest(http.MethodGet, "/Expense", http.NoBody)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})
	w := httptest.NewRecorder()
	suite.h.AuthMiddleware(http.HandlerFunc(suite.h.ListExpenses)).ServeHTTP(w, req)

	require.Equal(suite.T(), http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(suite.T(), cookies, 1)
	assert.Equal(suite.T(), int(DefaultSessionDuration.Seconds()), cookies[0].MaxAge)

	info, err := suite.db.ValidateSessionWithInfo(suite.ctx, token)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), info.ExpiresAt.After(time.Now().Add(DefaultSessionDuration/2)))
}

func (suite *HandlersTestSuite) TestBearerToken() {
	issuer := auth.NewTokenVerifier(testSecret, "")
	suite.createExpense(suite.alice, "Token coffee")

	good, err := issuer.Issue(suite.alice.ID, time.Hour)
	require.NoError(suite.T(), err)
	unknown, err := issuer.Issue("no-such-user", time.Hour)
	require.NoError(suite.T(), err)
	forged, err := auth.NewTokenVerifier("other-secret", "").Issue(suite.alice.ID, time.Hour)
	require.NoError(suite.T(), err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + good, http.StatusOK},
		{"unknown user", "Bearer " + unknown, http.StatusFound},
		{"wrong secret", "Bearer " + forged, http.StatusFound},
		{"garbage", "Bearer not-a-token", http.StatusFound},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			req := httptest.NewRequest(http.MethodGet, "/Expense", http.NoBody)
			req.Header.Set("Authorization", tt.header)
			w := httptest.NewRecorder()
			suite.h.AuthMiddleware(http.HandlerFunc(suite.h.ListExpenses)).ServeHTTP(w, req)

			assert.Equal(suite.T(), tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Contains(suite.T(), w.Body.String(), "Token coffee")
			}
		})
	}
}

func (suite *HandlersTestSuite) TestHealth() {
	w := httptest.NewRecorder()
	suite.h.Health(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	assert.Equal(suite.T(), http.StatusOK, w.Code)
	assert.Equal(suite.T(), "ok", w.Body.String())
}

func TestHandlersSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

func TestGroupByDay(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	mk := func(id int64, date time.Time) models.Expense {
		return models.Expense{ID: id, Date: date, Category: "food"}
	}
	groups := groupByDay([]models.Expense{
		mk(4, now.Add(-time.Hour)),
		mk(3, now.Add(-2*time.Hour)),
		mk(2, now.AddDate(0, 0, -1)),
		mk(1, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}, now)

	require.Len(t, groups, 3)
	assert.Equal(t, "TODAY", groups[0].Title)
	assert.Len(t, groups[0].Items, 2)
	assert.Equal(t, "11:00", groups[0].Items[0].Time)
	assert.Equal(t, "YESTERDAY", groups[1].Title)
	assert.Equal(t, "FRI, 01 MAR '24", groups[2].Title)
	assert.Equal(t, "#60a5fa", groups[2].Items[0].CategoryStyle.Color)
}

func TestMiddleware(t *testing.T) {
	log := zerolog.Nop()

	t.Run("request id is generated and echoed", func(t *testing.T) {
		var seen string
		h := RequestID(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = w.Header().Get(RequestIDHeader)
		}))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
		assert.Equal(t, w.Header().Get(RequestIDHeader), seen)

		req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		req.Header.Set(RequestIDHeader, "abc-123")
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	})

	t.Run("recovery turns panics into 500", func(t *testing.T) {
		h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}), Recovery(log), RequestID(log), Logger(log))

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("security headers", func(t *testing.T) {
		h := SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
	})

	t.Run("cross-origin writes are rejected", func(t *testing.T) {
		called := 0
		h := CrossOrigin(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called++ }))

		tests := []struct {
			method string
			site   string
			want   int
		}{
			{http.MethodPost, "cross-site", http.StatusForbidden},
			{http.MethodPost, "same-site", http.StatusForbidden},
			{http.MethodPost, "same-origin", http.StatusOK},
			{http.MethodPost, "", http.StatusOK},
			{http.MethodGet, "cross-site", http.StatusOK},
		}
		for _, tt := range tests {
			req := httptest.NewRequest(tt.method, "/Expense/Create", http.NoBody)
			if tt.site != "" {
				req.Header.Set("Sec-Fetch-Site", tt.site)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, "%s with Sec-Fetch-Site %q", tt.method, tt.site)
		}
		assert.Equal(t, 3, called)
	})

	t.Run("same origin only guards state-changing GETs", func(t *testing.T) {
		h := SameOriginOnly(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

		for site, want := range map[string]int{
			"":            http.StatusOK,
			"none":        http.StatusOK,
			"same-origin": http.StatusOK,
			"same-site":   http.StatusForbidden,
			"cross-site":  http.StatusForbidden,
		} {
			req := httptest.NewRequest(http.MethodGet, "/Expense/Delete/1", http.NoBody)
			req.Header.Set("Sec-Fetch-Site", site)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, want, w.Code, "Sec-Fetch-Site %q", site)
		}
	})

	t.Run("chain order", func(t *testing.T) {
		var order []string
		mk := func(name string) Middleware {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, name)
					next.ServeHTTP(w, r)
				})
			}
		}
		h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), mk("a"), mk("b"))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		assert.Equal(t, []string{"a", "b"}, order)
	})
}
