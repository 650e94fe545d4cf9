package mailwizz

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldsend-control/internal/config"
	"github.com/ignite/coldsend-control/internal/domain"
)

func testDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &DB{
		cfg: config.MailWizzConfig{
			FromName:          "Support",
			InitialHourly:     1,
			MaxConnMessages:   50,
			DefaultCustomerID: 1,
		},
		sql: conn,
	}, mock
}

func TestDailyToHourly(t *testing.T) {
	tests := []struct {
		daily  int
		hourly int
	}{
		{0, 1},
		{5, 1},
		{20, 1},
		{36, 1},
		{50, 2},
		{110, 5},
		{1200, 60},
		{20000, 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.hourly, DailyToHourly(tt.daily), "daily=%d", tt.daily)
	}
}

func TestCreateDeliveryServer(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectExec("INSERT INTO mw_delivery_server").
		WithArgs(int64(1), "PowerMTA hub-travelers", "10.0.0.2",
			2525, "contact@mail.hub-travelers.com", "Support",
			"contact@mail.hub-travelers.com", 50, 5,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(42, 1))

	id, err := db.CreateDeliveryServer(context.Background(), ServerParams{
		Name:        "PowerMTA hub-travelers",
		Hostname:    "10.0.0.2",
		Port:        2525,
		FromEmail:   "contact@mail.hub-travelers.com",
		FromName:    "Support",
		HourlyQuota: 5,
		MaxConnMsgs: 50,
		CustomerID:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteDeliveryServer(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectExec("DELETE FROM mw_delivery_server").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.DeleteDeliveryServer(context.Background(), 42))

	mock.ExpectExec("DELETE FROM mw_delivery_server").
		WithArgs(int64(43)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := db.DeleteDeliveryServer(context.Background(), 43)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSetServerStatus(t *testing.T) {
	db, mock := testDB(t)

	err := db.SetServerStatus(context.Background(), 42, "paused")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	mock.ExpectExec("UPDATE mw_delivery_server SET status").
		WithArgs("inactive", sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.SetServerStatus(context.Background(), 42, "inactive"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncWarmupQuota(t *testing.T) {
	db, mock := testDB(t)

	// 1200/day over 16 active hours with 20% margin → 60/h.
	mock.ExpectExec("UPDATE mw_delivery_server").
		WithArgs(60, sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.SyncWarmupQuota(context.Background(), 42, 1200))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBounceStats(t *testing.T) {
	db, mock := testDB(t)

	rows := sqlmock.NewRows([]string{"sent", "delivered", "bounced", "complaints"}).
		AddRow(1000, 960, 30, 2)
	mock.ExpectQuery("FROM mw_campaign_delivery_log").
		WithArgs(int64(42), 7).
		WillReturnRows(rows)

	stats, err := db.GetBounceStats(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.Equal(t, 1000, stats.Sent)
	assert.Equal(t, 30, stats.Bounced)
	assert.InDelta(t, 3.0, stats.BounceRate, 0.001)
	assert.InDelta(t, 0.2, stats.SpamRate, 0.001)
}

func TestOptions(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectQuery("SELECT option_value FROM mw_option").
		WithArgs("system.cron.last_run").
		WillReturnRows(sqlmock.NewRows([]string{"option_value"}).AddRow("2026-08-01"))
	v, err := db.GetOption(context.Background(), "system.cron.last_run")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01", v)

	mock.ExpectExec("INSERT INTO mw_option").
		WithArgs("system.cron.last_run", "2026-08-02").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, db.SetOption(context.Background(), "system.cron.last_run", "2026-08-02"))
}

func TestAssignServersToCustomer(t *testing.T) {
	db, mock := testDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM mw_delivery_server_to_customer").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT IGNORE INTO mw_delivery_server_to_customer").
		WithArgs(int64(7), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO mw_delivery_server_to_customer").
		WithArgs(int64(8), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, db.AssignServersToCustomer(context.Background(), 3, []int64{7, 8}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDegradedMode(t *testing.T) {
	db := &DB{cfg: config.MailWizzConfig{}}

	_, err := db.CreateDeliveryServer(context.Background(), ServerParams{})
	assert.True(t, errors.Is(err, domain.ErrUnavailable))

	err = db.SetServerStatus(context.Background(), 1, "active")
	assert.True(t, errors.Is(err, domain.ErrUnavailable))

	_, err = db.GetBounceStats(context.Background(), 1, 7)
	assert.True(t, errors.Is(err, domain.ErrUnavailable))

	assert.False(t, db.Available())
}
