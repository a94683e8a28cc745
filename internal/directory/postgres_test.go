package directory

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"medreel.org/internal/access"
)

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "email_verified_at", "institutional_email", "institutional_email_verified_at",
		"organization_name", "institution_id", "matched_by", "source_ip", "subscription_state",
		"subscription_checked_at", "role", "password_hash", "created_at", "updated_at",
	})
}

func TestPGFindUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("select (.+) from users where id=").
		WithArgs("u1").
		WillReturnRows(userRows().AddRow(
			"u1", "doc@uni.edu", nil, nil, nil,
			"Uni", "inst-1", "name_or_alias", "10.0.0.1", "institutional_subscription",
			now, nil, nil, now, now,
		))

	store := NewPGStore(db)
	u, err := store.Users(context.Background()).Find(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if u.MatchedBy != access.MatchedByNameOrAlias || u.InstitutionID != "inst-1" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindUserNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select (.+) from users where id=").
		WithArgs("missing").
		WillReturnRows(userRows())

	store := NewPGStore(db)
	if _, err := store.Users(context.Background()).Find(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGUpdateResolution(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	mock.ExpectExec("update users").
		WithArgs("u1", "inst-1", "network_location", "institutional_subscription", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPGStore(db)
	err = store.Users(context.Background()).UpdateResolution(context.Background(), "u1", ResolutionSnapshot{
		InstitutionID: "inst-1",
		MatchedBy:     access.MatchedByNetworkLocation,
		State:         access.InstitutionalSubscription,
		CheckedAt:     now,
	})
	if err != nil {
		t.Fatalf("UpdateResolution: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGListForReconciliationQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "name", "aliases", "email_domains", "restrict_match_by_name",
		"member_count", "granted_count", "last_checked", "created_at", "updated_at",
	}).AddRow("i1", "Uni", []byte(`["U"]`), []byte(`["uni.edu"]`), false, 12, 9, nil, time.Now(), time.Now())

	mock.ExpectQuery("order by last_checked asc nulls first, member_count desc").
		WithArgs(5).
		WillReturnRows(rows)

	store := NewPGStore(db)
	insts, err := store.Institutions(context.Background()).ListForReconciliation(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListForReconciliation: %v", err)
	}
	if len(insts) != 1 || insts[0].Stats.MemberCount != 12 || insts[0].EmailDomains[0] != "uni.edu" {
		t.Fatalf("unexpected institutions: %+v", insts[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGFindLocationByIP(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("from locations").
		WithArgs("10.1.2.3").
		WillReturnRows(sqlmock.NewRows([]string{"id", "institution_id", "host", "host", "created_at"}).
			AddRow("loc-1", "inst-1", "10.1.0.0", "10.1.255.255", time.Now()))

	store := NewPGStore(db)
	loc, err := store.Locations(context.Background()).FindByIP(context.Background(), netip.MustParseAddr("10.1.2.3"))
	if err != nil {
		t.Fatalf("FindByIP: %v", err)
	}
	if loc.InstitutionID != "inst-1" || !loc.Range.Contains(netip.MustParseAddr("10.1.2.3")) {
		t.Fatalf("unexpected location: %+v", loc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGArticleForUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now()
	end := now.Add(48 * time.Hour)
	mock.ExpectQuery("from orders").
		WithArgs("u1", "a1", now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "type", "status", "start_at", "end_at", "institution_id", "location_id",
			"user_id", "article_id", "custom_institution_name", "require_login", "created_at",
		}).AddRow("o1", "rent-article", "active", now.Add(-time.Hour), end, nil, nil, "u1", "a1", nil, false, now))

	store := NewPGStore(db)
	o, err := store.Orders(context.Background()).ArticleForUser(context.Background(), "u1", "a1", now)
	if err != nil {
		t.Fatalf("ArticleForUser: %v", err)
	}
	if o.Type != OrderRentArticle || o.End == nil || !o.End.Equal(end) {
		t.Fatalf("unexpected order: %+v", o)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
