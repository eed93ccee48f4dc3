package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"gestion.org/internal/store/pg"
)

func TestRunPurgesBeforeRetention(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	log, _ := test.NewNullLogger()
	j := New(pg.New(db), 24*time.Hour, log)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }
	cutoff := now.Add(-24 * time.Hour)

	mock.ExpectExec("delete from refresh_tokens").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("delete from activation_tokens").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 1))

	refresh, activation, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if refresh != 4 || activation != 1 {
		t.Fatalf("purged refresh=%d activation=%d", refresh, activation)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	j := New(nil, time.Hour, logrus.New())
	if err := j.Start("every now and then"); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	j.Stop(context.Background())
}
