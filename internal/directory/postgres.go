package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medreel.org/internal/access"
	"medreel.org/internal/ids"
)

// PGStore implements Store using PostgreSQL via the pgx stdlib driver.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

// Open connects to PostgreSQL with pool defaults tuned for the directory's
// read-heavy load.
func Open(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing handle (used by tests).
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Users(context.Context) UserStore               { return &pgUsers{db: s.db} }
func (s *PGStore) Institutions(context.Context) InstitutionStore { return &pgInstitutions{db: s.db} }
func (s *PGStore) Orders(context.Context) OrderStore             { return &pgOrders{db: s.db} }
func (s *PGStore) Locations(context.Context) LocationStore       { return &pgLocations{db: s.db} }

// Users -------------------------------------------------------------------

type pgUsers struct{ db *sql.DB }

const userColumns = `id, email, email_verified_at, institutional_email, institutional_email_verified_at,
	organization_name, institution_id, matched_by, source_ip, subscription_state, subscription_checked_at,
	role, password_hash, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                             User
		instID, matchedBy, subState   sql.NullString
		sourceIP, role, passwordHash  sql.NullString
		instEmail, orgName            sql.NullString
		emailVerifiedAt, instVerified sql.NullTime
		subCheckedAt                  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &emailVerifiedAt, &instEmail, &instVerified,
		&orgName, &instID, &matchedBy, &sourceIP, &subState, &subCheckedAt,
		&role, &passwordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.InstitutionalEmail = instEmail.String
	u.OrganizationName = orgName.String
	u.InstitutionID = instID.String
	u.MatchedBy = access.NotMatched
	if matchedBy.Valid && matchedBy.String != "" {
		u.MatchedBy = access.MatchedBy(matchedBy.String)
	}
	u.SourceIP = sourceIP.String
	u.SubscriptionState = access.State(subState.String)
	u.Role = role.String
	u.PasswordHash = passwordHash.String
	if emailVerifiedAt.Valid {
		t := emailVerifiedAt.Time
		u.EmailVerifiedAt = &t
	}
	if instVerified.Valid {
		t := instVerified.Time
		u.InstitutionalEmailVerifiedAt = &t
	}
	if subCheckedAt.Valid {
		t := subCheckedAt.Time
		u.SubscriptionCheckedAt = &t
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows) ([]*User, error) {
	defer rows.Close()
	var res []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *pgUsers) Create(ctx context.Context, u *User) error {
	if u == nil || strings.TrimSpace(u.Email) == "" {
		return ErrInvalidInput
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.MatchedBy == "" {
		u.MatchedBy = access.NotMatched
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, institutional_email, organization_name, matched_by, source_ip, role, password_hash)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,nullif($6,''),nullif($7,''),nullif($8,''))
	`, u.ID, u.Email, u.InstitutionalEmail, u.OrganizationName, string(u.MatchedBy), u.SourceIP, u.Role, u.PasswordHash)
	return err
}

func (s *pgUsers) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email)=lower($1)`, email))
}

func (s *pgUsers) FindByEmailDomain(ctx context.Context, domain string) ([]*User, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+userColumns+` from users
		where lower(email) like '%@' || $1
		   or lower(coalesce(institutional_email,'')) like '%@' || $1
	`, domain)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (s *pgUsers) FindByOrganizationNames(ctx context.Context, names []string) ([]*User, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("lower($%d)", i+1)
		args[i] = name
	}
	query := `select ` + userColumns + ` from users where lower(coalesce(organization_name,'')) in (` +
		strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (s *pgUsers) FindByInstitution(ctx context.Context, institutionID string, matchedBy []access.MatchedBy) ([]*User, error) {
	args := []any{institutionID}
	query := `select ` + userColumns + ` from users where institution_id=$1`
	if len(matchedBy) > 0 {
		placeholders := make([]string, len(matchedBy))
		for i, m := range matchedBy {
			placeholders[i] = fmt.Sprintf("$%d", i+2)
			args = append(args, string(m))
		}
		query += ` and matched_by in (` + strings.Join(placeholders, ",") + `)`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectUsers(rows)
}

func (s *pgUsers) UpdateResolution(ctx context.Context, userID string, snap ResolutionSnapshot) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set institution_id = nullif($2,''),
		    matched_by = $3,
		    subscription_state = $4,
		    subscription_checked_at = $5,
		    updated_at = now()
		where id = $1
	`, userID, snap.InstitutionID, string(snap.MatchedBy), string(snap.State), snap.CheckedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUsers) UpdateProfile(ctx context.Context, userID, email, institutionalEmail, organizationName string) error {
	// Changing an email clears its verification stamp; a re-verify flow owns
	// setting it again.
	res, err := s.db.ExecContext(ctx, `
		update users
		set email = case when $2 <> '' then $2 else email end,
		    email_verified_at = case when $2 <> '' and lower($2) <> lower(email) then null else email_verified_at end,
		    institutional_email_verified_at = case when lower(coalesce($3,'')) <> lower(coalesce(institutional_email,'')) then null else institutional_email_verified_at end,
		    institutional_email = nullif($3,''),
		    organization_name = nullif($4,''),
		    updated_at = now()
		where id = $1
	`, userID, email, institutionalEmail, organizationName)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUsers) UpdateSourceIP(ctx context.Context, userID, sourceIP string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set source_ip = nullif($2,'') where id = $1`, userID, sourceIP)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Institutions -------------------------------------------------------------

type pgInstitutions struct{ db *sql.DB }

const institutionColumns = `id, name, aliases, email_domains, restrict_match_by_name,
	member_count, granted_count, last_checked, created_at, updated_at`

func scanInstitution(row interface{ Scan(...any) error }) (*Institution, error) {
	var (
		inst            Institution
		aliases, domains []byte
		lastChecked     sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.Name, &aliases, &domains, &inst.RestrictMatchByName,
		&inst.Stats.MemberCount, &inst.Stats.GrantedCount, &lastChecked, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(aliases, &inst.Aliases)
	_ = json.Unmarshal(domains, &inst.EmailDomains)
	if lastChecked.Valid {
		t := lastChecked.Time
		inst.LastChecked = &t
	}
	return &inst, nil
}

func (s *pgInstitutions) Create(ctx context.Context, inst *Institution) error {
	if inst == nil || strings.TrimSpace(inst.Name) == "" {
		return ErrInvalidInput
	}
	if inst.ID == "" {
		inst.ID = ids.New()
	}
	aliases, _ := json.Marshal(inst.Aliases)
	domains, _ := json.Marshal(inst.EmailDomains)
	_, err := s.db.ExecContext(ctx, `
		insert into institutions(id, name, aliases, email_domains, restrict_match_by_name)
		values ($1,$2,$3,$4,$5)
	`, inst.ID, inst.Name, aliases, domains, inst.RestrictMatchByName)
	return err
}

func (s *pgInstitutions) Find(ctx context.Context, id string) (*Institution, error) {
	return scanInstitution(s.db.QueryRowContext(ctx,
		`select `+institutionColumns+` from institutions where id=$1`, id))
}

func (s *pgInstitutions) FindByNameOrAlias(ctx context.Context, name string) (*Institution, error) {
	return scanInstitution(s.db.QueryRowContext(ctx, `
		select `+institutionColumns+` from institutions
		where lower(name) = lower($1)
		   or exists (
			select 1 from jsonb_array_elements_text(aliases) alias
			where lower(alias) = lower($1)
		   )
		limit 1
	`, name))
}

func (s *pgInstitutions) FindByEmailDomain(ctx context.Context, domain string) (*Institution, error) {
	return scanInstitution(s.db.QueryRowContext(ctx, `
		select `+institutionColumns+` from institutions
		where exists (
			select 1 from jsonb_array_elements_text(email_domains) d
			where lower(d) = lower($1)
		)
		limit 1
	`, domain))
}

func (s *pgInstitutions) ListForReconciliation(ctx context.Context, limit int) ([]*Institution, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+institutionColumns+` from institutions
		order by last_checked asc nulls first, member_count desc, id asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

func (s *pgInstitutions) UpdateStats(ctx context.Context, id string, stats InstitutionStats, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update institutions
		set member_count = $2, granted_count = $3, last_checked = $4, updated_at = now()
		where id = $1
	`, id, stats.MemberCount, stats.GrantedCount, checkedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Orders -------------------------------------------------------------------

type pgOrders struct{ db *sql.DB }

const orderColumns = `id, type, status, start_at, end_at, institution_id, location_id,
	user_id, article_id, custom_institution_name, require_login, created_at`

func scanOrder(row interface{ Scan(...any) error }) (*Order, error) {
	var (
		o                        Order
		end                      sql.NullTime
		instID, locID, userID    sql.NullString
		articleID, customName    sql.NullString
		orderType, orderStatus   string
	)
	err := row.Scan(&o.ID, &orderType, &orderStatus, &o.Start, &end, &instID, &locID,
		&userID, &articleID, &customName, &o.RequireLogin, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Type = OrderType(orderType)
	o.Status = OrderStatus(orderStatus)
	if end.Valid {
		t := end.Time
		o.End = &t
	}
	o.InstitutionID = instID.String
	o.LocationID = locID.String
	o.UserID = userID.String
	o.ArticleID = articleID.String
	o.CustomInstitutionName = customName.String
	return &o, nil
}

func collectOrders(rows *sql.Rows) ([]*Order, error) {
	defer rows.Close()
	var res []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (s *pgOrders) Create(ctx context.Context, o *Order) error {
	if o == nil || o.Type == "" {
		return ErrInvalidInput
	}
	if o.ID == "" {
		o.ID = ids.New()
	}
	if o.Status == "" {
		o.Status = OrderActive
	}
	if o.Start.IsZero() {
		o.Start = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into orders(id, type, status, start_at, end_at, institution_id, location_id, user_id, article_id, custom_institution_name, require_login)
		values ($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),nullif($8,''),nullif($9,''),nullif($10,''),$11)
	`, o.ID, string(o.Type), string(o.Status), o.Start, o.End, o.InstitutionID, o.LocationID, o.UserID, o.ArticleID, o.CustomInstitutionName, o.RequireLogin)
	return err
}

func (s *pgOrders) ExpiringForLocation(ctx context.Context, locationID string, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+orderColumns+` from orders
		where status = 'active' and location_id = $1
		order by end_at desc nulls first, id asc
		limit $2
	`, locationID, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *pgOrders) ActiveForInstitution(ctx context.Context, institutionID string) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+orderColumns+` from orders
		where status = 'active' and institution_id = $1
		  and user_id is null and location_id is null
		  and type in ('institutional','trial')
		order by end_at desc nulls first, id asc
	`, institutionID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *pgOrders) OffsiteForUser(ctx context.Context, userID string) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+orderColumns+` from orders
		where status = 'active' and user_id = $1 and institution_id is not null
		  and type in ('institutional','trial')
		order by end_at desc nulls first, id asc
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *pgOrders) IndividualForUser(ctx context.Context, userID string) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+orderColumns+` from orders
		where status = 'active' and user_id = $1 and institution_id is null
		  and type in ('individual','trial')
		order by end_at desc nulls first, id asc
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *pgOrders) ArticleForUser(ctx context.Context, userID, articleID string, now time.Time) (*Order, error) {
	return scanOrder(s.db.QueryRowContext(ctx, `
		select `+orderColumns+` from orders
		where status = 'active' and user_id = $1 and article_id = $2
		  and type in ('rent-article','purchase-article')
		  and (end_at is null or end_at > $3)
		order by created_at desc
		limit 1
	`, userID, articleID, now))
}

func (s *pgOrders) UpdateStatus(ctx context.Context, id string, status OrderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`update orders set status = $2 where id = $1`, id, string(status))
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Locations ----------------------------------------------------------------

type pgLocations struct{ db *sql.DB }

func scanLocation(row interface{ Scan(...any) error }) (*Location, error) {
	var (
		loc      Location
		from, to string
	)
	err := row.Scan(&loc.ID, &loc.InstitutionID, &from, &to, &loc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if addr, ok := ParseAddr(from); ok {
		loc.Range.From = addr
	}
	if addr, ok := ParseAddr(to); ok {
		loc.Range.To = addr
	}
	return &loc, nil
}

func (s *pgLocations) Create(ctx context.Context, loc *Location) error {
	if loc == nil || loc.InstitutionID == "" || !loc.Range.From.IsValid() || !loc.Range.To.IsValid() {
		return ErrInvalidInput
	}
	if loc.ID == "" {
		loc.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into locations(id, institution_id, ip_from, ip_to)
		values ($1,$2,$3::inet,$4::inet)
	`, loc.ID, loc.InstitutionID, loc.Range.From.String(), loc.Range.To.String())
	return err
}

func (s *pgLocations) Find(ctx context.Context, id string) (*Location, error) {
	return scanLocation(s.db.QueryRowContext(ctx, `
		select id, institution_id, host(ip_from), host(ip_to), created_at
		from locations where id = $1
	`, id))
}

func (s *pgLocations) FindByIP(ctx context.Context, addr netip.Addr) (*Location, error) {
	if !addr.IsValid() {
		return nil, ErrNotFound
	}
	return scanLocation(s.db.QueryRowContext(ctx, `
		select id, institution_id, host(ip_from), host(ip_to), created_at
		from locations
		where $1::inet >= ip_from and $1::inet <= ip_to
		limit 1
	`, addr.String()))
}

// --- helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
