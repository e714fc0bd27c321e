package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"build-earn/domain"
	"build-earn/ledger"
	"build-earn/payout"
)

// Services are the backends behind the HTTP routes.
type Services struct {
	Tasks   TaskService
	Payouts PayoutService
	// Health checks run by /healthz, keyed by dependency name.
	Health map[string]HealthCheck
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Services, auth Authenticator, logger *log.Logger) {
	e.GET("/healthz", healthz(svc.Health))

	g := e.Group("/api", recoverJSON(), observeRequests(logger), GzipRequestMiddleware(maxBodySize))
	authed := requireCaller(auth)

	g.GET("/tasks", listTasks(svc.Tasks))
	g.GET("/tasks/:id", getTask(svc.Tasks))
	g.GET("/escrow/balance", escrowBalance(svc.Payouts))

	g.POST("/tasks", createTask(svc.Tasks), authed)
	g.POST("/tasks/:id/assign", assignTask(svc.Tasks), authed)
	g.POST("/tasks/:id/complete", completeTask(svc.Tasks), authed)
	g.POST("/tasks/:id/verify", verifyTask(svc.Tasks), authed)
	g.POST("/tasks/:id/payout", payoutTask(svc.Payouts, false), authed)
	g.POST("/tasks/:id/payout/retry", payoutTask(svc.Payouts, true), authed)
	g.POST("/tasks/:id/claim", claimPayment(svc.Payouts), authed)
}

// RegisterMetrics records per-route HTTP metrics into reg and serves it on
// /metrics.
func RegisterMetrics(e *echo.Echo, reg *prometheus.Registry) {
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "buildearn",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
}

func healthz(checks map[string]HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		failures := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failures": failures})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func listTasks(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		filter, err := parseFilter(c)
		if err != nil {
			m.SetErrorStage("invalid_query")
			return writeError(c, err)
		}

		start := time.Now()
		list, err := tasks.List(c.Request().Context(), filter)
		m.ObserveCall(time.Since(start))
		if err != nil {
			m.SetErrorStage("storage")
			return writeError(c, err)
		}
		if list == nil {
			list = []domain.Task{}
		}
		m.SetTasksReturned(len(list))
		return c.JSON(http.StatusOK, tasksResponse{Tasks: list})
	}
}

func parseFilter(c echo.Context) (domain.TaskFilter, error) {
	var f domain.TaskFilter
	if s := strings.TrimSpace(c.QueryParam("status")); s != "" {
		f.Status = domain.Status(strings.ToUpper(s))
		if !f.Status.Valid() {
			return f, invalidInput("unknown status " + s)
		}
	}
	if s := strings.TrimSpace(c.QueryParam("payoutState")); s != "" {
		f.PayoutState = domain.PayoutState(strings.ToLower(s))
		switch f.PayoutState {
		case domain.PayoutPending, domain.PayoutConfirmed, domain.PayoutFailed:
		default:
			return f, invalidInput("unknown payout state " + s)
		}
	}
	if s := strings.TrimSpace(c.QueryParam("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, invalidInput("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func getTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		return respondTask(c, http.StatusOK, func(ctx context.Context) (domain.Task, error) {
			return tasks.Get(ctx, c.Param("id"))
		})
	}
}

func createTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err)
		}
		return respondTask(c, http.StatusCreated, func(ctx context.Context) (domain.Task, error) {
			return tasks.Create(ctx, domain.NewTask{
				Title:        req.Title,
				Description:  req.Description,
				Reward:       req.Reward,
				TokenAddress: req.TokenAddress,
			})
		})
	}
}

func assignTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req userRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err)
		}
		user, err := resolveCaller(c, req.UserID)
		if err != nil {
			return writeError(c, err)
		}
		return respondTask(c, http.StatusOK, func(ctx context.Context) (domain.Task, error) {
			return tasks.Assign(ctx, c.Param("id"), user)
		})
	}
}

func completeTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req userRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err)
		}
		caller, err := resolveCaller(c, req.UserID)
		if err != nil {
			return writeError(c, err)
		}
		return respondTask(c, http.StatusOK, func(ctx context.Context) (domain.Task, error) {
			return tasks.Complete(ctx, c.Param("id"), caller)
		})
	}
}

func verifyTask(tasks TaskService) echo.HandlerFunc {
	return func(c echo.Context) error {
		return respondTask(c, http.StatusOK, func(ctx context.Context) (domain.Task, error) {
			return tasks.Verify(ctx, c.Param("id"))
		})
	}
}

// respondTask runs a single task operation and writes the resulting record.
func respondTask(c echo.Context, status int, op func(ctx context.Context) (domain.Task, error)) error {
	m := metricsFrom(c)
	start := time.Now()
	task, err := op(c.Request().Context())
	m.ObserveCall(time.Since(start))
	if err != nil {
		m.SetErrorStage("task")
		return writeError(c, err)
	}
	m.SetTask(task.ID, string(task.Status))
	return c.JSON(status, task)
}

func payoutTask(payouts PayoutService, retry bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		var req payoutRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err)
		}
		payer, err := parseSecret("payerSecret", req.PayerSecret)
		if err != nil {
			return writeError(c, err)
		}
		opts, err := req.options()
		if err != nil {
			return writeError(c, err)
		}

		call := payouts.Payout
		if retry {
			call = payouts.RetryPayout
		}
		start := time.Now()
		res, err := call(c.Request().Context(), c.Param("id"), payer, opts)
		m.ObserveCall(time.Since(start))
		if err != nil {
			m.SetErrorStage("payout")
			return writeError(c, err)
		}
		m.SetTask(res.Task.ID, string(res.Task.Status))
		m.SetTxHash(res.Submission.Hash)
		return c.JSON(http.StatusOK, res)
	}
}

func (r payoutRequest) options() (payout.Options, error) {
	var opts payout.Options
	switch {
	case r.ReleaseAt != nil && r.Deadline != nil:
		return opts, invalidInput("releaseAt and deadline are mutually exclusive")
	case r.ReleaseAt != nil:
		if *r.ReleaseAt < 0 {
			return opts, invalidInput("releaseAt must be a unix timestamp")
		}
		tb := domain.AfterTime(time.Unix(*r.ReleaseAt, 0))
		opts.TimeBound = &tb
	case r.Deadline != nil:
		if *r.Deadline <= 0 {
			return opts, invalidInput("deadline must be a unix timestamp")
		}
		tb := domain.BeforeTime(time.Unix(*r.Deadline, 0))
		opts.TimeBound = &tb
	}
	return opts, nil
}

func claimPayment(payouts PayoutService) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		var req claimRequest
		if err := decodeBody(c, &req); err != nil {
			return writeError(c, err)
		}
		claimant, err := parseSecret("userSecret", req.UserSecret)
		if err != nil {
			return writeError(c, err)
		}
		if _, err := resolveCaller(c, claimant.Address()); err != nil {
			return writeError(c, err)
		}

		start := time.Now()
		res, err := payouts.Claim(c.Request().Context(), c.Param("id"), claimant)
		m.ObserveCall(time.Since(start))
		if err != nil {
			m.SetErrorStage("claim")
			return writeError(c, err)
		}
		m.SetTask(res.TaskID, "")
		m.SetTxHash(res.Hash)
		return c.JSON(http.StatusOK, claimResponse{Result: res})
	}
}

func escrowBalance(payouts PayoutService) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		start := time.Now()
		bal, err := payouts.Balance(c.Request().Context())
		m.ObserveCall(time.Since(start))
		if err != nil {
			m.SetErrorStage("ledger")
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, balanceResponse{Balance: bal})
	}
}

func parseSecret(field, secret string) (*ledger.Keypair, error) {
	if secret == "" {
		return nil, invalidInput(field + " is required")
	}
	kp, err := ledger.ParseSecret(secret)
	if err != nil {
		return nil, invalidInput(field + " is not a valid secret key")
	}
	return kp, nil
}

// decodeBody reads a JSON body strictly. An empty body leaves dst zero.
func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		metricsFrom(c).SetErrorStage("decode")
		return invalidInput("invalid body")
	}
	return nil
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, msg)
}

type unauthenticatedError struct{ err error }

func (e unauthenticatedError) Error() string { return e.err.Error() }
func (e unauthenticatedError) Unwrap() error { return e.err }

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var unauth unauthenticatedError
	switch {
	case errors.As(err, &unauth):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConcurrencyConflict),
		errors.Is(err, domain.ErrPayoutInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrLedgerRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDecodeFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	metricsFrom(c).SetError(err)
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Retryable: domain.IsRetryable(err)}
	var le *domain.LedgerError
	if errors.As(err, &le) {
		resp.TxHash = le.Hash
	}
	if status == http.StatusInternalServerError {
		c.Logger().Error(err)
		resp.Error = "internal error"
	}
	return c.JSON(status, resp)
}
