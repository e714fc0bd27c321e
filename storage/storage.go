package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"build-earn/domain"
)

// tasksPartition holds every task row; row keys are task ids.
const tasksPartition = "task"

type tableClient interface {
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// TableStore persists tasks in Azure Table Storage. Conditional updates use
// the entity ETag.
type TableStore struct {
	table tableClient
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable string) (*TableStore, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &TableStore{table: svc.NewClient(tasksTable)}, nil
}

// EnsureTable creates the tasks table when it does not exist yet.
func (s *TableStore) EnsureTable(ctx context.Context) error {
	_, err := s.table.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

type taskEntity struct {
	aztables.Entity
	Title        string `json:"Title"`
	Description  string `json:"Description"`
	Reward       string `json:"Reward"`
	TokenAddress string `json:"TokenAddress"`
	Status       string `json:"Status"`
	AssignedTo   string `json:"AssignedTo"`
	CreatedAt    string `json:"CreatedAt"`
	CompletedAt  string `json:"CompletedAt"`
	VerifiedAt   string `json:"VerifiedAt"`
	PaidAt       string `json:"PaidAt"`
	PayoutHash   string `json:"PayoutHash"`
	PayoutState  string `json:"PayoutState"`
	Payout       string `json:"Payout"`
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	rec, err := toRecord(t)
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		Entity:       aztables.Entity{PartitionKey: tasksPartition, RowKey: rec.ID},
		Title:        rec.Title,
		Description:  rec.Description,
		Reward:       rec.Reward,
		TokenAddress: rec.TokenAddress,
		Status:       rec.Status,
		AssignedTo:   rec.AssignedTo,
		CreatedAt:    formatTime(&rec.CreatedAt),
		CompletedAt:  formatTime(rec.CompletedAt),
		VerifiedAt:   formatTime(rec.VerifiedAt),
		PaidAt:       formatTime(rec.PaidAt),
		PayoutHash:   rec.PayoutHash,
		PayoutState:  rec.PayoutState,
		Payout:       string(rec.Payout),
	}
	return sonic.Marshal(ent)
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	rec := taskRecord{
		ID:           ent.RowKey,
		Title:        ent.Title,
		Description:  ent.Description,
		Reward:       ent.Reward,
		TokenAddress: ent.TokenAddress,
		Status:       ent.Status,
		AssignedTo:   ent.AssignedTo,
		PayoutHash:   ent.PayoutHash,
		PayoutState:  ent.PayoutState,
		Payout:       []byte(ent.Payout),
	}
	created, err := parseTime(ent.CreatedAt)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: created at: %w", ent.RowKey, err)
	}
	if created != nil {
		rec.CreatedAt = *created
	}
	for _, f := range []struct {
		raw string
		dst **time.Time
	}{
		{ent.CompletedAt, &rec.CompletedAt},
		{ent.VerifiedAt, &rec.VerifiedAt},
		{ent.PaidAt, &rec.PaidAt},
	} {
		ts, err := parseTime(f.raw)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s: %w", ent.RowKey, err)
		}
		*f.dst = ts
	}
	return rec.task()
}

func (s *TableStore) Insert(ctx context.Context, task domain.Task) error {
	payload, err := encodeTaskEntity(task)
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return err
}

func (s *TableStore) get(ctx context.Context, id string) (domain.Task, azcore.ETag, error) {
	resp, err := s.table.GetEntity(ctx, tasksPartition, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.Task{}, "", fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		return domain.Task{}, "", err
	}
	task, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return domain.Task{}, "", err
	}
	return task, resp.ETag, nil
}

func (s *TableStore) Get(ctx context.Context, id string) (domain.Task, error) {
	task, _, err := s.get(ctx, id)
	return task, err
}

// List returns matching tasks ordered by creation time.
func (s *TableStore) List(ctx context.Context, filter domain.TaskFilter) ([]domain.Task, error) {
	query := tableFilter(filter)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &query})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func tableFilter(f domain.TaskFilter) string {
	clauses := []string{"PartitionKey eq '" + tasksPartition + "'"}
	if f.Status != "" {
		clauses = append(clauses, "Status eq '"+odataEscape(string(f.Status))+"'")
	}
	if f.PayoutState != "" {
		clauses = append(clauses, "PayoutState eq '"+odataEscape(string(f.PayoutState))+"'")
	}
	return strings.Join(clauses, " and ")
}

func odataEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Update reads the stored entity, checks it is still in expected state and
// replaces it guarded by the ETag it was read with.
func (s *TableStore) Update(ctx context.Context, task domain.Task, expected domain.TaskState) error {
	cur, etag, err := s.get(ctx, task.ID)
	if err != nil {
		return err
	}
	if cur.State() != expected {
		return fmt.Errorf("%w: task %s changed", domain.ErrConcurrencyConflict, task.ID)
	}
	payload, err := encodeTaskEntity(task)
	if err != nil {
		return err
	}
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 412 {
			return fmt.Errorf("%w: task %s changed", domain.ErrConcurrencyConflict, task.ID)
		}
		return err
	}
	return nil
}
