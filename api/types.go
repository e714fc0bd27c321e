package api

import (
	"context"

	"github.com/shopspring/decimal"

	"build-earn/domain"
	"build-earn/ledger"
	"build-earn/payout"
)

// TaskService is the task lifecycle exposed over HTTP.
type TaskService interface {
	Create(ctx context.Context, in domain.NewTask) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error)
	Assign(ctx context.Context, id, user string) (domain.Task, error)
	Complete(ctx context.Context, id, caller string) (domain.Task, error)
	Verify(ctx context.Context, id string) (domain.Task, error)
}

// PayoutService moves rewards through the ledger escrow.
type PayoutService interface {
	Payout(ctx context.Context, taskID string, payer *ledger.Keypair, opts payout.Options) (payout.Result, error)
	RetryPayout(ctx context.Context, taskID string, payer *ledger.Keypair, opts payout.Options) (payout.Result, error)
	Claim(ctx context.Context, taskID string, claimant *ledger.Keypair) (payout.ClaimResult, error)
	Balance(ctx context.Context) (*domain.ClaimableBalance, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

const maxBodySize = 64 * 1024 // 64 KiB

// POST /api/tasks
type createTaskRequest struct {
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Reward       decimal.Decimal `json:"reward"`
	TokenAddress string          `json:"tokenAddress"`
}

// POST /api/tasks/:id/assign and /complete
type userRequest struct {
	UserID string `json:"userId"`
}

// POST /api/tasks/:id/payout and /payout/retry. ReleaseAt delays the claim
// window; Deadline closes it instead. At most one may be set.
type payoutRequest struct {
	PayerSecret string `json:"payerSecret"`
	ReleaseAt   *int64 `json:"releaseAt,omitempty"`
	Deadline    *int64 `json:"deadline,omitempty"`
}

// POST /api/tasks/:id/claim
type claimRequest struct {
	UserSecret string `json:"userSecret"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type claimResponse struct {
	Result payout.ClaimResult `json:"result"`
}

type balanceResponse struct {
	Balance *domain.ClaimableBalance `json:"balance"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	TxHash    string `json:"txHash,omitempty"`
}
