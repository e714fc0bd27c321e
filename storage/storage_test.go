package storage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"build-earn/domain"
)

type fakeTable struct {
	mu       sync.Mutex
	rows     map[string][]byte
	etags    map[string]int
	filters  []string
	exists   bool
	conflict bool
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string][]byte{}, etags: map[string]int{}}
}

func (f *fakeTable) CreateTable(ctx context.Context, o *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	if f.exists {
		return aztables.CreateTableResponse{}, &azcore.ResponseError{StatusCode: 409, ErrorCode: string(aztables.TableAlreadyExists)}
	}
	f.exists = true
	return aztables.CreateTableResponse{}, nil
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ent aztables.Entity
	if err := sonic.Unmarshal(entity, &ent); err != nil {
		return aztables.AddEntityResponse{}, err
	}
	if _, ok := f.rows[ent.RowKey]; ok {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: 409}
	}
	f.rows[ent.RowKey] = entity
	f.etags[ent.RowKey] = 1
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(ctx context.Context, pk, rk string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[rk]
	if !ok || pk != tasksPartition {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	return aztables.GetEntityResponse{ETag: azcore.ETag(strconv.Itoa(f.etags[rk])), Value: row}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ent aztables.Entity
	if err := sonic.Unmarshal(entity, &ent); err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	if f.conflict {
		// another writer got in between the read and the write
		f.etags[ent.RowKey]++
		f.conflict = false
	}
	if o == nil || o.IfMatch == nil || string(*o.IfMatch) != strconv.Itoa(f.etags[ent.RowKey]) {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: 412}
	}
	f.rows[ent.RowKey] = entity
	f.etags[ent.RowKey]++
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	if o != nil && o.Filter != nil {
		f.filters = append(f.filters, *o.Filter)
	}
	var entities [][]byte
	for _, row := range f.rows {
		entities = append(entities, row)
	}
	f.mu.Unlock()
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			return aztables.ListEntitiesResponse{Entities: entities}, nil
		},
	})
}

func sampleTask(id string, created time.Time) domain.Task {
	return domain.Task{
		ID:           id,
		Title:        "Fix bug",
		Description:  "Reproduce and fix",
		Reward:       decimal.RequireFromString("12.5"),
		TokenAddress: "CTOKEN",
		Status:       domain.StatusOpen,
		CreatedAt:    created.UTC(),
	}
}

func TestTaskEntityRoundTrip(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	paid := created.Add(time.Hour)
	task := sampleTask("t1", created)
	task.Status = domain.StatusPaid
	task.AssignedTo = "GUSER"
	task.PaidAt = &paid
	task.Payout = &domain.Payout{Hash: "abc", State: domain.PayoutPending, SubmittedAt: paid, ExpiresAt: paid.Add(30 * time.Second), Attempts: 1}

	payload, err := encodeTaskEntity(task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeTaskEntity(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "t1" || !got.Reward.Equal(task.Reward) || got.Status != domain.StatusPaid || got.AssignedTo != "GUSER" {
		t.Fatalf("unexpected task %+v", got)
	}
	if !got.CreatedAt.Equal(created) || got.PaidAt == nil || !got.PaidAt.Equal(paid) || got.CompletedAt != nil {
		t.Fatalf("timestamps did not round trip: %+v", got)
	}
	if got.Payout == nil || got.Payout.Hash != "abc" || got.Payout.State != domain.PayoutPending || got.Payout.Attempts != 1 {
		t.Fatalf("payout did not round trip: %+v", got.Payout)
	}
}

func TestDecodeTaskEntityRejectsUnknownStatus(t *testing.T) {
	payload := []byte(`{"PartitionKey":"task","RowKey":"t1","Reward":"1","Status":"DONE","CreatedAt":"2024-01-01T00:00:00Z"}`)
	if _, err := decodeTaskEntity(payload); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestTableStoreInsertGetUpdate(t *testing.T) {
	ft := newFakeTable()
	store := &TableStore{table: ft}
	ctx := context.Background()
	task := sampleTask("t1", time.Now())

	if err := store.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	next := task.Clone()
	next.Status = domain.StatusInProgress
	next.AssignedTo = "GUSER"
	if err := store.Update(ctx, next, task.State()); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.AssignedTo != "GUSER" {
		t.Fatalf("update not stored: %+v", got)
	}

	// stale expectation
	if err := store.Update(ctx, next, task.State()); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestTableStoreUpdateEtagConflict(t *testing.T) {
	ft := newFakeTable()
	store := &TableStore{table: ft}
	ctx := context.Background()
	task := sampleTask("t1", time.Now())
	if err := store.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ft.conflict = true

	next := task.Clone()
	next.Status = domain.StatusInProgress
	if err := store.Update(ctx, next, task.State()); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict from 412, got %v", err)
	}
}

func TestTableStoreListSortsAndFilters(t *testing.T) {
	ft := newFakeTable()
	store := &TableStore{table: ft}
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		if err := store.Insert(ctx, sampleTask(id, base.Add(time.Duration(2-i)*time.Minute))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tasks, err := store.List(ctx, domain.TaskFilter{Status: domain.StatusPaid, PayoutState: domain.PayoutPending, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "b" || tasks[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", tasks)
	}
	want := "PartitionKey eq 'task' and Status eq 'PAID' and PayoutState eq 'pending'"
	if len(ft.filters) != 1 || ft.filters[0] != want {
		t.Fatalf("unexpected filter %v", ft.filters)
	}
}

func TestTableStoreEnsureTableIgnoresExisting(t *testing.T) {
	ft := newFakeTable()
	store := &TableStore{table: ft}
	for i := 0; i < 2; i++ {
		if err := store.EnsureTable(context.Background()); err != nil {
			t.Fatalf("ensure table: %v", err)
		}
	}
}

func TestODataEscape(t *testing.T) {
	if got := tableFilter(domain.TaskFilter{Status: "O'PEN"}); got != "PartitionKey eq 'task' and Status eq 'O''PEN'" {
		t.Fatalf("unexpected filter %s", got)
	}
}
