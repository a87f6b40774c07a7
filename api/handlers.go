package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"dayplan-api/domain"
)

const requestBodyMaxSize = 64 << 10

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Tasks, auth Authenticator, logger *log.Logger) {
	e.GET("/api/tasks", listTasks(svc, auth, logger))
	e.POST("/api/tasks", createTask(svc, auth))
	e.GET("/api/tasks/dates", taskDates(svc, auth))
	e.POST("/api/tasks/reorder", reorderTasks(svc, auth))
	e.GET("/api/tasks/:id", getTask(svc, auth))
	e.PUT("/api/tasks/:id", updateTask(svc, auth))
	e.PATCH("/api/tasks/:id", updateTask(svc, auth))
	e.DELETE("/api/tasks/:id", deleteTask(svc, auth))
	e.POST("/api/tasks/:id/restore", restoreTask(svc, auth))
	e.GET("/healthz", healthz())
}

// taskPayload is the outbound task shape. Owner and deletion mark are
// internal and never exposed.
type taskPayload struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	IsCompleted bool        `json:"is_completed"`
	TaskDate    domain.Date `json:"task_date"`
	SortOrder   int         `json:"sort_order"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type dataResponse struct {
	Data any `json:"data"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type validationResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func toPayload(t domain.Task) taskPayload {
	return taskPayload{
		ID:          t.ID,
		Description: t.Description,
		IsCompleted: t.IsCompleted,
		TaskDate:    t.TaskDate,
		SortOrder:   t.SortOrder,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toPayloads(tasks []domain.Task) []taskPayload {
	out := make([]taskPayload, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toPayload(t))
	}
	return out
}

func writeError(c echo.Context, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, validationResponse{
			Message: "The given data was invalid.",
			Errors:  verr.Fields,
		})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, messageResponse{Message: "Task not found."})
	case errors.Is(err, domain.ErrForbidden):
		return c.JSON(http.StatusForbidden, messageResponse{Message: "This action is unauthorized."})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Internal server error."})
	}
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func listTasks(svc Tasks, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newListRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.JSON(http.StatusUnauthorized, messageResponse{Message: authErr.Error()})
			return err
		}
		principal := domain.Principal{ID: userID}
		if !policy.CanList(principal) {
			metrics.SetErrorStage("authz")
			err = c.JSON(http.StatusForbidden, messageResponse{Message: "This action is unauthorized."})
			return err
		}

		var filter domain.ListFilter
		if raw := c.QueryParam("date"); raw != "" {
			date, parseErr := domain.ParseDate(raw)
			if parseErr != nil {
				metrics.SetErrorStage("invalid_date")
				err = writeError(c, domain.NewValidationError("date", "date must be a valid YYYY-MM-DD date"))
				return err
			}
			filter.Date = &date
		}
		filter.Search = c.QueryParam("search")
		metrics.SetFiltered(filter.Date != nil || filter.Search != "")

		fetchStart := time.Now()
		tasks, listErr := svc.List(ctx, userID, filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if listErr != nil {
			metrics.SetErrorStage("storage")
			err = writeError(c, listErr)
			return err
		}
		metrics.SetTasksReturned(len(tasks))
		err = c.JSON(http.StatusOK, dataResponse{Data: toPayloads(tasks)})
		return err
	}
}

type createTaskRequest struct {
	Description string `json:"description"`
	TaskDate    string `json:"task_date"`
}

func createTask(svc Tasks, auth Authenticator) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		if !policy.CanCreate(domain.Principal{ID: userID}) {
			return c.JSON(http.StatusForbidden, messageResponse{Message: "This action is unauthorized."})
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}

		in := domain.CreateTaskInput{Description: req.Description}
		if req.TaskDate != "" {
			date, parseErr := domain.ParseDate(req.TaskDate)
			if parseErr != nil {
				return writeError(c, domain.NewValidationError("task_date", "task_date must be a valid YYYY-MM-DD date"))
			}
			in.TaskDate = date
		}

		task, err := svc.Create(c.Request().Context(), userID, in)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, dataResponse{Data: toPayload(task)})
	}
}

func taskDates(svc Tasks, auth Authenticator) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		if !policy.CanList(domain.Principal{ID: userID}) {
			return c.JSON(http.StatusForbidden, messageResponse{Message: "This action is unauthorized."})
		}

		dates, err := svc.TaskDates(c.Request().Context(), userID)
		if err != nil {
			return writeError(c, err)
		}
		out := make([]string, 0, len(dates))
		for _, d := range dates {
			out = append(out, d.String())
		}
		return c.JSON(http.StatusOK, dataResponse{Data: out})
	}
}

// fetchOwned resolves the task from the :id route param and applies the
// ownership guard: unresolvable ids stay not-found, foreign tasks become
// forbidden. Soft-deleted rows pass through; each handler decides how they
// are treated.
func fetchOwned(c echo.Context, svc Tasks, allowed func(domain.Principal, domain.Task) bool) (domain.Task, error) {
	userID, err := authFor(c)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return domain.Task{}, err
	}
	if !allowed(domain.Principal{ID: userID}, task) {
		return domain.Task{}, domain.ErrForbidden
	}
	return task, nil
}

// authFor re-reads the principal resolved by the surrounding handler.
func authFor(c echo.Context) (string, error) {
	userID, ok := c.Get(principalKey).(string)
	if !ok || userID == "" {
		return "", errMissingAuthorization
	}
	return userID, nil
}

const principalKey = "principal.id"

// withPrincipal resolves the principal once and stores it on the context
// for the task-scoped handlers.
func withPrincipal(auth Authenticator, next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}
		c.Set(principalKey, userID)
		return next(c)
	}
}

func getTask(svc Tasks, auth Authenticator) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return withPrincipal(auth, func(c echo.Context) error {
		task, err := fetchOwned(c, svc, policy.CanView)
		if err != nil {
			return writeError(c, err)
		}
		if task.Deleted() {
			return writeError(c, domain.ErrNotFound)
		}
		return c.JSON(http.StatusOK, dataResponse{Data: toPayload(task)})
	})
}

type updateTaskRequest struct {
	Description *string `json:"description"`
	IsCompleted *bool   `json:"is_completed"`
	TaskDate    *string `json:"task_date"`
	SortOrder   *int    `json:"sort_order"`
}

func updateTask(svc Tasks, auth Authenticator) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return withPrincipal(auth, func(c echo.Context) error {
		task, err := fetchOwned(c, svc, policy.CanMutate)
		if err != nil {
			return writeError(c, err)
		}

		var req updateTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}

		patch := domain.TaskPatch{
			Description: req.Description,
			IsCompleted: req.IsCompleted,
			SortOrder:   req.SortOrder,
		}
		if req.TaskDate != nil {
			date, parseErr := domain.ParseDate(*req.TaskDate)
			if parseErr != nil {
				return writeError(c, domain.NewValidationError("task_date", "task_date must be a valid YYYY-MM-DD date"))
			}
			patch.TaskDate = &date
		}

		updated, err := svc.Update(c.Request().Context(), task, patch)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, dataResponse{Data: toPayload(updated)})
	})
}

func deleteTask(svc Tasks, auth Authenticator) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return withPrincipal(auth, func(c echo.Context) error {
		task, err := fetchOwned(c, svc, policy.CanMutate)
		if err != nil {
			return writeError(c, err)
		}
		if err := svc.Delete(c.Request().Context(), task); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Task deleted."})
	})
}

func restoreTask(svc Tasks, auth Authenticator) echo.HandlerFunc {
	policy := domain.TaskPolicy{}
	return withPrincipal(auth, func(c echo.Context) error {
		task, err := fetchOwned(c, svc, policy.CanMutate)
		if err != nil {
			return writeError(c, err)
		}
		restored, err := svc.Restore(c.Request().Context(), task)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, dataResponse{Data: toPayload(restored)})
	})
}

type reorderRequest struct {
	Items []reorderItemRequest `json:"items"`
}

type reorderItemRequest struct {
	ID        string `json:"id"`
	SortOrder *int   `json:"sort_order"`
}

func reorderTasks(svc Tasks, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: err.Error()})
		}

		var req reorderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, messageResponse{Message: "invalid body"})
		}

		items := make([]domain.ReorderItem, 0, len(req.Items))
		for i, it := range req.Items {
			if it.SortOrder == nil {
				return writeError(c, domain.NewValidationError(
					"items."+strconv.Itoa(i)+".sort_order", "sort_order is required"))
			}
			items = append(items, domain.ReorderItem{TaskID: it.ID, SortOrder: *it.SortOrder})
		}

		if err := svc.Reorder(c.Request().Context(), userID, items); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: "Tasks reordered."})
	}
}
