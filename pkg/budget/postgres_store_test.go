package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func testCycle() *Cycle {
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	return &Cycle{
		ID:               "cycle_1",
		OrgID:            "org_1",
		Period:           PeriodWeekly,
		StartDate:        now,
		EndDate:          now.AddDate(0, 0, 7),
		TotalBudgetMinor: 9_000,
		Strategy:         StrategyFixed,
		Status:           CycleActive,
		Allocations: []Allocation{
			{ID: "alloc_1", CycleID: "cycle_1", AgentID: "agent_a", AmountMinor: 9_000, ExpiresAt: now.AddDate(0, 0, 7)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStoreCreateAndUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	c := testCycle()

	mock.ExpectExec(`INSERT INTO budget_cycles`).
		WithArgs(c.ID, c.OrgID, "active", c.StartDate, sqlmock.AnyArg(), c.CreatedAt, c.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateCycle(ctx, c))

	c.Status = CycleClosed
	mock.ExpectExec(`UPDATE budget_cycles SET`).
		WithArgs(c.ID, "closed", sqlmock.AnyArg(), c.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateCycle(ctx, c))

	// Updating a cycle that was never created is a not-found.
	mock.ExpectExec(`UPDATE budget_cycles SET`).
		WithArgs("cycle_missing", "closed", sqlmock.AnyArg(), c.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	missing := testCycle()
	missing.ID = "cycle_missing"
	missing.Status = CycleClosed
	missing.UpdatedAt = c.UpdatedAt
	err := store.UpdateCycle(ctx, missing)
	require.Equal(t, "budget_cycle_not_found", errs.CodeOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreActiveCycle(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	c := testCycle()
	doc, err := json.Marshal(c)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT cycle_doc FROM budget_cycles WHERE org_id`).
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"cycle_doc"}).AddRow(doc))
	got, err := store.ActiveCycle(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	require.Len(t, got.Allocations, 1)
	assert.Equal(t, int64(9_000), got.Allocations[0].AmountMinor)

	mock.ExpectQuery(`SELECT cycle_doc FROM budget_cycles WHERE org_id`).
		WithArgs("org_2").
		WillReturnRows(sqlmock.NewRows([]string{"cycle_doc"}))
	_, err = store.ActiveCycle(ctx, "org_2")
	require.Equal(t, "active_budget_cycle_not_found", errs.CodeOf(err))

	// Transport errors surface instead of reading as a miss.
	mock.ExpectQuery(`SELECT cycle_doc FROM budget_cycles WHERE org_id`).
		WithArgs("org_3").
		WillReturnError(fmt.Errorf("connection reset"))
	_, err = store.ActiveCycle(ctx, "org_3")
	require.Error(t, err)
	require.NotEqual(t, errs.KindNotFound, errs.KindOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListCycles(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	first := testCycle()
	second := testCycle()
	second.ID = "cycle_2"
	second.StartDate = first.EndDate
	docA, err := json.Marshal(second)
	require.NoError(t, err)
	docB, err := json.Marshal(first)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT cycle_doc FROM budget_cycles WHERE org_id .+ ORDER BY start_date DESC`).
		WithArgs("org_1").
		WillReturnRows(sqlmock.NewRows([]string{"cycle_doc"}).AddRow(docA).AddRow(docB))
	got, err := store.ListCycles(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cycle_2", got[0].ID)
	assert.Equal(t, "cycle_1", got[1].ID)

	require.NoError(t, mock.ExpectationsWereMet())
}
