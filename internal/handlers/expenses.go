package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"expense-manager/internal/expense"
	"expense-manager/internal/models"
)

// formDateLayout matches the value format of a datetime-local input.
const formDateLayout = "2006-01-02T15:04"

// CategoryDef defines the properties of a suggested category.
type CategoryDef struct {
	ID    string
	Name  string
	Icon  string
	Color string
}

var categories = []CategoryDef{
	{"food", "Food", "🍽️", "#60a5fa"},
	{"transport", "Transport", "🚌", "#a78bfa"},
	{"entertainment", "Entertainment", "🎮", "#f472b6"},
	{"utilities", "Utilities", "💡", "#fbbf24"},
	{"housing", "Housing", "🏠", "#818cf8"},
	{"health", "Health", "💊", "#34d399"},
	{"other", "Other", "📦", "#94a3b8"},
}

// CategoryStyle defines the visual style for a category.
type CategoryStyle struct {
	Icon  string
	Color string
}

func getCategoryStyle(category string) CategoryStyle {
	catLower := strings.ToLower(strings.TrimSpace(category))
	for _, c := range categories {
		if c.ID == catLower {
			return CategoryStyle{Icon: c.Icon, Color: c.Color}
		}
	}
	return CategoryStyle{Icon: "📦", Color: "#94a3b8"}
}

// ExpenseItem represents an expense in the list view.
type ExpenseItem struct {
	models.Expense
	Time          string
	CategoryStyle CategoryStyle
}

// ExpenseGroup groups the expenses of one day.
type ExpenseGroup struct {
	Title string
	Date  string
	Items []ExpenseItem
}

// ListViewModel is the data passed to the list view template.
type ListViewModel struct {
	User   string
	Groups []ExpenseGroup
}

// FormViewModel is the data passed to the create/edit form template.
type FormViewModel struct {
	User       string
	IsEdit     bool
	Action     string
	Draft      expense.Draft
	Errors     map[string]string
	Message    string
	Categories []CategoryDef
}

// ListExpenses renders the current user's expenses grouped by day.
func (h *Handlers) ListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := h.expenses.List(r.Context(), userID(r))
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	h.render(w, r, http.StatusOK, "list.html", ListViewModel{
		User:   username(r),
		Groups: groupByDay(expenses, h.now()),
	})
}

// groupByDay splits expenses, already ordered newest first, into per-day groups.
func groupByDay(expenses []models.Expense, now time.Time) []ExpenseGroup {
	var groups []ExpenseGroup
	for _, e := range expenses {
		date := e.Date.UTC()
		day := date.Format("2006-01-02")
		if len(groups) == 0 || groups[len(groups)-1].Date != day {
			groups = append(groups, ExpenseGroup{Date: day, Title: formatGroupTitle(date, now)})
		}
		g := &groups[len(groups)-1]
		g.Items = append(g.Items, ExpenseItem{
			Expense:       e,
			Time:          date.Format("15:04"),
			CategoryStyle: getCategoryStyle(e.Category),
		})
	}
	return groups
}

// CreateExpenseForm renders the form to create a new expense.
func (h *Handlers) CreateExpenseForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "form.html", h.formView(r, false, "/Expense/Create", expense.Draft{
		Date: h.now().UTC().Format(formDateLayout),
	}))
}

// CreateExpense handles the creation of a new expense.
func (h *Handlers) CreateExpense(w http.ResponseWriter, r *http.Request) {
	draft, err := parseDraft(r)
	if err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}

	_, err = h.expenses.Create(r.Context(), userID(r), draft)
	var ve *expense.ValidationError
	switch {
	case err == nil:
		h.redirect(w, r, listPath)
	case errors.As(err, &ve):
		vm := h.formView(r, false, "/Expense/Create", draft)
		vm.Errors = ve.Fields
		h.render(w, r, http.StatusUnprocessableEntity, "form.html", vm)
	default:
		h.serviceError(w, r, err)
	}
}

// EditExpenseForm renders the form to edit an existing expense.
func (h *Handlers) EditExpenseForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	e, err := h.expenses.Get(r.Context(), userID(r), id)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}

	h.render(w, r, http.StatusOK, "form.html", h.formView(r, true, editPath(id), draftFromExpense(e)))
}

// UpdateExpense handles the update of an existing expense.
func (h *Handlers) UpdateExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	draft, err := parseDraft(r)
	if err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}

	_, err = h.expenses.Edit(r.Context(), userID(r), id, draft)
	var ve *expense.ValidationError
	switch {
	case err == nil:
		h.redirect(w, r, listPath)
	case errors.As(err, &ve):
		vm := h.formView(r, true, editPath(id), draft)
		vm.Errors = ve.Fields
		h.render(w, r, http.StatusUnprocessableEntity, "form.html", vm)
	case errors.Is(err, expense.ErrConflict):
		h.renderConflict(w, r, id, draft)
	default:
		h.serviceError(w, r, err)
	}
}

// renderConflict re-renders the submitted values against the current row
// version, so saving again overwrites the concurrent change knowingly.
func (h *Handlers) renderConflict(w http.ResponseWriter, r *http.Request, id int64, draft expense.Draft) {
	vm := h.formView(r, true, editPath(id), draft)
	vm.Message = "This expense was changed by someone else while you were editing. Review your values and save again."

	current, err := h.expenses.Get(r.Context(), userID(r), id)
	switch {
	case err == nil:
		vm.Draft.Version = strconv.FormatInt(current.Version, 10)
	case errors.Is(err, expense.ErrNotFound):
		vm.Message = "This expense was deleted while you were editing."
	default:
		h.serviceError(w, r, err)
		return
	}

	h.render(w, r, http.StatusConflict, "form.html", vm)
}

// DeleteExpense permanently removes an expense.
func (h *Handlers) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if err := h.expenses.Delete(r.Context(), userID(r), id); err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.redirect(w, r, listPath)
}

func (h *Handlers) formView(r *http.Request, isEdit bool, action string, d expense.Draft) FormViewModel {
	return FormViewModel{
		User:       username(r),
		IsEdit:     isEdit,
		Action:     action,
		Draft:      d,
		Categories: categories,
	}
}

func parseDraft(r *http.Request) (expense.Draft, error) {
	if err := r.ParseForm(); err != nil {
		return expense.Draft{}, err
	}
	return expense.Draft{
		ID:          r.PostFormValue("id"),
		UserID:      r.PostFormValue("user_id"),
		Description: r.PostFormValue("description"),
		Amount:      r.PostFormValue("amount"),
		Category:    r.PostFormValue("category"),
		Date:        r.PostFormValue("date"),
		Version:     r.PostFormValue("version"),
	}, nil
}

func draftFromExpense(e *models.Expense) expense.Draft {
	return expense.Draft{
		ID:          strconv.FormatInt(e.ID, 10),
		Description: e.Description,
		Amount:      e.Amount.StringFixed(2),
		Category:    e.Category,
		Date:        e.Date.UTC().Format(formDateLayout),
		Version:     strconv.FormatInt(e.Version, 10),
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

func editPath(id int64) string {
	return "/Expense/Edit/" + strconv.FormatInt(id, 10)
}

func formatGroupTitle(date, now time.Time) string {
	dateStr := date.Format("2006-01-02")
	now = now.UTC()

	if dateStr == now.Format("2006-01-02") {
		return "TODAY"
	}
	if dateStr == now.AddDate(0, 0, -1).Format("2006-01-02") {
		return "YESTERDAY"
	}
	return strings.ToUpper(date.Format("Mon, 02 Jan '06"))
}
