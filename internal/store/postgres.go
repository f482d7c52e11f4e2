package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haven/backend/internal/core"
)

// Postgres is the production Store. Geometry lives in PostGIS columns so the
// covering-firms and nearest-provider queries stay on the GIST indexes.
//
// Inside Atomically the Gets on hot rows (principal, firm, stored
// subscription, request) append FOR UPDATE, which gives concurrent
// transactions on the same row the serialise-and-re-read behaviour the
// service layer depends on.
type Postgres struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgres opens a connection pool against dsn. The schema is not touched;
// call Migrate (or run haven-check --migrate) to apply it.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// Migrate applies the idempotent DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *Postgres) q() dbtx {
	if p.tx != nil {
		return p.tx
	}
	return p.db
}

// forUpdate is appended to hot-row lookups when running inside a transaction.
func (p *Postgres) forUpdate() string {
	if p.tx != nil {
		return " FOR UPDATE"
	}
	return ""
}

func (p *Postgres) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if p.tx != nil {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Postgres{db: p.db, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgErr translates driver failures. Unique violations become the client codes
// the API promises; everything else is wrapped and treated as retryable infra.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*pq.Error); ok && pe.Code == "23505" {
		switch {
		case strings.Contains(pe.Constraint, "email"):
			return core.NewError(core.CodeEmailExists, "email already registered")
		case strings.Contains(pe.Constraint, "phone"):
			return core.NewError(core.CodePhoneExists, "phone already registered")
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mustAffect(op string, res sql.Result, err error) error {
	if err != nil {
		return pgErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError(core.CodeNotFound, "row not found")
	}
	return nil
}

const geoPoint = "ST_SetSRID(ST_MakePoint($%d, $%d), 4326)"

func pointExpr(lonArg, latArg int) string {
	return fmt.Sprintf(geoPoint, lonArg, latArg)
}

// wktPolygon renders a closed ring as WKT for ST_GeomFromText.
func wktPolygon(closed []core.Point) string {
	var b strings.Builder
	b.WriteString("POLYGON((")
	for i, pt := range closed {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(pt.Lon, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(pt.Lat, 'f', -1, 64))
	}
	b.WriteString("))")
	return b.String()
}

// parseWKTPolygon reads the ST_AsText form back into a closed ring.
func parseWKTPolygon(wkt string) ([]core.Point, error) {
	s := strings.TrimSpace(wkt)
	s = strings.TrimPrefix(s, "POLYGON((")
	s = strings.TrimSuffix(s, "))")
	parts := strings.Split(s, ",")
	ring := make([]core.Point, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed polygon wkt %q", wkt)
		}
		lon, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, err
		}
		lat, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		ring = append(ring, core.Point{Lon: lon, Lat: lat})
	}
	return ring, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// --- Principals ---

const principalCols = `id, kind, email, phone, password_hash, verified, suspended, banned,
	prank_count, failed_attempts, locked_until, otp_digest, otp_expires_at, otp_attempts_left, created_at`

func scanPrincipal(row interface{ Scan(...interface{}) error }) (*core.Principal, error) {
	var p core.Principal
	var lockedUntil, otpExpires sql.NullTime
	var otpDigest sql.NullString
	var otpAttempts int
	err := row.Scan(&p.ID, &p.Kind, &p.Email, &p.Phone, &p.PasswordHash, &p.Verified,
		&p.Suspended, &p.Banned, &p.PrankCount, &p.FailedAttempts, &lockedUntil,
		&otpDigest, &otpExpires, &otpAttempts, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.LockedUntil = timePtr(lockedUntil)
	if otpDigest.Valid {
		p.OTP = &core.UnlockOTP{
			Digest:       otpDigest.String,
			ExpiresAt:    otpExpires.Time,
			AttemptsLeft: otpAttempts,
		}
	}
	return &p, nil
}

func (p *Postgres) CreatePrincipal(ctx context.Context, pr *core.Principal) error {
	var digest sql.NullString
	var expires sql.NullTime
	attempts := 0
	if pr.OTP != nil {
		digest = sql.NullString{String: pr.OTP.Digest, Valid: true}
		expires = sql.NullTime{Time: pr.OTP.ExpiresAt, Valid: true}
		attempts = pr.OTP.AttemptsLeft
	}
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO principals (`+principalCols+`)
		VALUES ($1,$2,lower($3),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		pr.ID, pr.Kind, pr.Email, pr.Phone, pr.PasswordHash, pr.Verified, pr.Suspended,
		pr.Banned, pr.PrankCount, pr.FailedAttempts, nullTime(pr.LockedUntil),
		digest, expires, attempts, pr.CreatedAt)
	return pgErr("create principal", err)
}

func (p *Postgres) getPrincipalWhere(ctx context.Context, where string, arg interface{}) (*core.Principal, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+principalCols+` FROM principals WHERE `+where+p.forUpdate(), arg)
	pr, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get principal", err)
	}
	return pr, nil
}

func (p *Postgres) GetPrincipal(ctx context.Context, id string) (*core.Principal, error) {
	return p.getPrincipalWhere(ctx, "id = $1", id)
}

func (p *Postgres) GetPrincipalByEmail(ctx context.Context, email string) (*core.Principal, error) {
	return p.getPrincipalWhere(ctx, "email = lower($1)", email)
}

func (p *Postgres) GetPrincipalByPhone(ctx context.Context, phone string) (*core.Principal, error) {
	return p.getPrincipalWhere(ctx, "phone = $1", phone)
}

func (p *Postgres) UpdatePrincipal(ctx context.Context, pr *core.Principal) error {
	var digest sql.NullString
	var expires sql.NullTime
	attempts := 0
	if pr.OTP != nil {
		digest = sql.NullString{String: pr.OTP.Digest, Valid: true}
		expires = sql.NullTime{Time: pr.OTP.ExpiresAt, Valid: true}
		attempts = pr.OTP.AttemptsLeft
	}
	res, err := p.q().ExecContext(ctx, `
		UPDATE principals SET kind=$2, email=lower($3), phone=$4, password_hash=$5,
			verified=$6, suspended=$7, banned=$8, prank_count=$9, failed_attempts=$10,
			locked_until=$11, otp_digest=$12, otp_expires_at=$13, otp_attempts_left=$14
		WHERE id=$1`,
		pr.ID, pr.Kind, pr.Email, pr.Phone, pr.PasswordHash, pr.Verified, pr.Suspended,
		pr.Banned, pr.PrankCount, pr.FailedAttempts, nullTime(pr.LockedUntil),
		digest, expires, attempts)
	return mustAffect("update principal", res, err)
}

// --- Firms ---

const firmCols = `id, name, registration_no, vat_no, status, credit_balance, locked, created_at`

func scanFirm(row interface{ Scan(...interface{}) error }) (*core.SecurityFirm, error) {
	var f core.SecurityFirm
	err := row.Scan(&f.ID, &f.Name, &f.RegistrationNo, &f.VATNo, &f.Status,
		&f.CreditBalance, &f.Locked, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (p *Postgres) CreateFirm(ctx context.Context, f *core.SecurityFirm) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO security_firms (`+firmCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.Name, f.RegistrationNo, f.VATNo, f.Status, f.CreditBalance, f.Locked, f.CreatedAt)
	return pgErr("create firm", err)
}

func (p *Postgres) GetFirm(ctx context.Context, id string) (*core.SecurityFirm, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+firmCols+` FROM security_firms WHERE id = $1`+p.forUpdate(), id)
	f, err := scanFirm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get firm", err)
	}
	return f, nil
}

func (p *Postgres) UpdateFirm(ctx context.Context, f *core.SecurityFirm) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE security_firms SET name=$2, registration_no=$3, vat_no=$4, status=$5,
			credit_balance=$6, locked=$7
		WHERE id=$1`,
		f.ID, f.Name, f.RegistrationNo, f.VATNo, f.Status, f.CreditBalance, f.Locked)
	return mustAffect("update firm", res, err)
}

func (p *Postgres) ListApprovedFirms(ctx context.Context) ([]core.SecurityFirm, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+firmCols+` FROM security_firms WHERE status = $1 ORDER BY id`,
		core.FirmApproved)
	if err != nil {
		return nil, pgErr("list approved firms", err)
	}
	defer rows.Close()
	var out []core.SecurityFirm
	for rows.Next() {
		f, err := scanFirm(rows)
		if err != nil {
			return nil, pgErr("scan firm", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// --- Firm members and teams ---

func (p *Postgres) CreateFirmMember(ctx context.Context, m *core.FirmMember) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO firm_members (id, principal_id, firm_id, role, active)
		VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.PrincipalID, m.FirmID, m.Role, m.Active)
	return pgErr("create firm member", err)
}

func scanFirmMember(row interface{ Scan(...interface{}) error }) (*core.FirmMember, error) {
	var m core.FirmMember
	if err := row.Scan(&m.ID, &m.PrincipalID, &m.FirmID, &m.Role, &m.Active); err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) GetFirmMember(ctx context.Context, id string) (*core.FirmMember, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT id, principal_id, firm_id, role, active FROM firm_members WHERE id = $1`, id)
	m, err := scanFirmMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get firm member", err)
	}
	return m, nil
}

func (p *Postgres) GetFirmMemberByPrincipal(ctx context.Context, principalID string) (*core.FirmMember, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT id, principal_id, firm_id, role, active FROM firm_members WHERE principal_id = $1`,
		principalID)
	m, err := scanFirmMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get firm member", err)
	}
	return m, nil
}

func (p *Postgres) ListFirmMembers(ctx context.Context, firmID string) ([]core.FirmMember, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT id, principal_id, firm_id, role, active FROM firm_members
		 WHERE firm_id = $1 ORDER BY id`, firmID)
	if err != nil {
		return nil, pgErr("list firm members", err)
	}
	defer rows.Close()
	var out []core.FirmMember
	for rows.Next() {
		m, err := scanFirmMember(rows)
		if err != nil {
			return nil, pgErr("scan firm member", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateTeam(ctx context.Context, t *core.Team) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO teams (id, firm_id, name, leader_id, member_ids, active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.FirmID, t.Name, t.LeaderID, pq.Array(t.MemberIDs), t.Active)
	return pgErr("create team", err)
}

func (p *Postgres) GetTeam(ctx context.Context, id string) (*core.Team, error) {
	var t core.Team
	var members pq.StringArray
	err := p.q().QueryRowContext(ctx,
		`SELECT id, firm_id, name, leader_id, member_ids, active FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.FirmID, &t.Name, &t.LeaderID, &members, &t.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get team", err)
	}
	t.MemberIDs = members
	return &t, nil
}

func (p *Postgres) ListTeams(ctx context.Context, firmID string) ([]core.Team, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT id, firm_id, name, leader_id, member_ids, active FROM teams
		 WHERE firm_id = $1 ORDER BY id`, firmID)
	if err != nil {
		return nil, pgErr("list teams", err)
	}
	defer rows.Close()
	var out []core.Team
	for rows.Next() {
		var t core.Team
		var members pq.StringArray
		if err := rows.Scan(&t.ID, &t.FirmID, &t.Name, &t.LeaderID, &members, &t.Active); err != nil {
			return nil, pgErr("scan team", err)
		}
		t.MemberIDs = members
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Coverage areas ---

func (p *Postgres) CreateCoverageArea(ctx context.Context, a *core.CoverageArea) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO coverage_areas (id, firm_id, name, ring, active, created_at)
		VALUES ($1,$2,$3,ST_GeomFromText($4, 4326),$5,$6)`,
		a.ID, a.FirmID, a.Name, wktPolygon(a.Ring), a.Active, a.CreatedAt)
	return pgErr("create coverage area", err)
}

func (p *Postgres) UpdateCoverageArea(ctx context.Context, a *core.CoverageArea) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE coverage_areas SET name=$2, ring=ST_GeomFromText($3, 4326), active=$4
		WHERE id=$1`,
		a.ID, a.Name, wktPolygon(a.Ring), a.Active)
	return mustAffect("update coverage area", res, err)
}

func (p *Postgres) ListCoverageAreas(ctx context.Context, firmID string) ([]core.CoverageArea, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, firm_id, name, ST_AsText(ring), active, created_at
		FROM coverage_areas WHERE firm_id = $1 ORDER BY id`, firmID)
	if err != nil {
		return nil, pgErr("list coverage areas", err)
	}
	defer rows.Close()
	var out []core.CoverageArea
	for rows.Next() {
		var a core.CoverageArea
		var wkt string
		if err := rows.Scan(&a.ID, &a.FirmID, &a.Name, &wkt, &a.Active, &a.CreatedAt); err != nil {
			return nil, pgErr("scan coverage area", err)
		}
		if a.Ring, err = parseWKTPolygon(wkt); err != nil {
			return nil, pgErr("parse coverage ring", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) FirmsCoveringPoint(ctx context.Context, pt core.Point) ([]core.SecurityFirm, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT DISTINCT f.id, f.name, f.registration_no, f.vat_no, f.status,
			f.credit_balance, f.locked, f.created_at
		FROM security_firms f
		JOIN coverage_areas a ON a.firm_id = f.id
		WHERE f.status = $3 AND a.active
		  AND ST_Contains(a.ring, `+pointExpr(1, 2)+`)
		ORDER BY f.id`,
		pt.Lon, pt.Lat, core.FirmApproved)
	if err != nil {
		return nil, pgErr("firms covering point", err)
	}
	defer rows.Close()
	var out []core.SecurityFirm
	for rows.Next() {
		f, err := scanFirm(rows)
		if err != nil {
			return nil, pgErr("scan firm", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (p *Postgres) FirmCovers(ctx context.Context, firmID string, pt core.Point) (bool, error) {
	var covered bool
	err := p.q().QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM coverage_areas
			WHERE firm_id = $3 AND active
			  AND ST_Contains(ring, `+pointExpr(1, 2)+`)
		)`, pt.Lon, pt.Lat, firmID).Scan(&covered)
	if err != nil {
		return false, pgErr("firm covers", err)
	}
	return covered, nil
}

// --- Provider types and providers ---

func (p *Postgres) CreateProviderType(ctx context.Context, t *core.EmergencyProviderType) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO provider_types (id, code, name, default_radius_km, priority, active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Code, t.Name, t.DefaultRadiusKM, t.Priority, t.Active)
	return pgErr("create provider type", err)
}

func scanProviderType(row interface{ Scan(...interface{}) error }) (*core.EmergencyProviderType, error) {
	var t core.EmergencyProviderType
	err := row.Scan(&t.ID, &t.Code, &t.Name, &t.DefaultRadiusKM, &t.Priority, &t.Active)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) GetProviderType(ctx context.Context, id string) (*core.EmergencyProviderType, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT id, code, name, default_radius_km, priority, active FROM provider_types WHERE id = $1`, id)
	t, err := scanProviderType(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get provider type", err)
	}
	return t, nil
}

func (p *Postgres) GetProviderTypeByCode(ctx context.Context, code string) (*core.EmergencyProviderType, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT id, code, name, default_radius_km, priority, active FROM provider_types WHERE code = $1`, code)
	t, err := scanProviderType(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get provider type", err)
	}
	return t, nil
}

func (p *Postgres) ListProviderTypes(ctx context.Context) ([]core.EmergencyProviderType, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT id, code, name, default_radius_km, priority, active FROM provider_types ORDER BY code`)
	if err != nil {
		return nil, pgErr("list provider types", err)
	}
	defer rows.Close()
	var out []core.EmergencyProviderType
	for rows.Next() {
		t, err := scanProviderType(rows)
		if err != nil {
			return nil, pgErr("scan provider type", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const providerCols = `id, firm_id, type_id, name, ST_X(current_pos), ST_Y(current_pos),
	ST_X(base_pos), ST_Y(base_pos), radius_km, capabilities, status, active`

func scanProvider(row interface{ Scan(...interface{}) error }) (*core.EmergencyProvider, error) {
	var pr core.EmergencyProvider
	var caps pq.StringArray
	err := row.Scan(&pr.ID, &pr.FirmID, &pr.TypeID, &pr.Name,
		&pr.Current.Lon, &pr.Current.Lat, &pr.Base.Lon, &pr.Base.Lat,
		&pr.RadiusKM, &caps, &pr.Status, &pr.Active)
	if err != nil {
		return nil, err
	}
	pr.Capabilities = caps
	return &pr, nil
}

func (p *Postgres) CreateProvider(ctx context.Context, pr *core.EmergencyProvider) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO providers (id, firm_id, type_id, name, current_pos, base_pos,
			radius_km, capabilities, status, active)
		VALUES ($1,$2,$3,$4,`+pointExpr(5, 6)+`,`+pointExpr(7, 8)+`,$9,$10,$11,$12)`,
		pr.ID, pr.FirmID, pr.TypeID, pr.Name,
		pr.Current.Lon, pr.Current.Lat, pr.Base.Lon, pr.Base.Lat,
		pr.RadiusKM, pq.Array(pr.Capabilities), pr.Status, pr.Active)
	return pgErr("create provider", err)
}

func (p *Postgres) GetProvider(ctx context.Context, id string) (*core.EmergencyProvider, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE id = $1`, id)
	pr, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get provider", err)
	}
	return pr, nil
}

func (p *Postgres) UpdateProvider(ctx context.Context, pr *core.EmergencyProvider) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE providers SET name=$2, current_pos=`+pointExpr(3, 4)+`,
			base_pos=`+pointExpr(5, 6)+`, radius_km=$7, capabilities=$8, status=$9, active=$10
		WHERE id=$1`,
		pr.ID, pr.Name, pr.Current.Lon, pr.Current.Lat, pr.Base.Lon, pr.Base.Lat,
		pr.RadiusKM, pq.Array(pr.Capabilities), pr.Status, pr.Active)
	return mustAffect("update provider", res, err)
}

func (p *Postgres) ListProviders(ctx context.Context, firmID string) ([]core.EmergencyProvider, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers WHERE firm_id = $1 ORDER BY id`, firmID)
	if err != nil {
		return nil, pgErr("list providers", err)
	}
	defer rows.Close()
	var out []core.EmergencyProvider
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, pgErr("scan provider", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (p *Postgres) AvailableProvidersByType(ctx context.Context, typeID string) ([]core.EmergencyProvider, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+providerCols+` FROM providers
		 WHERE type_id = $1 AND active AND status = $2 ORDER BY id`,
		typeID, core.ProviderAvailable)
	if err != nil {
		return nil, pgErr("available providers", err)
	}
	defer rows.Close()
	var out []core.EmergencyProvider
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, pgErr("scan provider", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

// --- Groups ---

func (p *Postgres) CreateGroup(ctx context.Context, g *core.UserGroup) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO user_groups (id, name, address, point, subscription_id,
			subscription_expires_at, created_at)
		VALUES ($1,$2,$3,`+pointExpr(4, 5)+`,$6,$7,$8)`,
		g.ID, g.Name, g.Address, g.Point.Lon, g.Point.Lat,
		g.SubscriptionID, nullTime(g.SubscriptionExpiresAt), g.CreatedAt)
	return pgErr("create group", err)
}

func scanGroup(row interface{ Scan(...interface{}) error }) (*core.UserGroup, error) {
	var g core.UserGroup
	var expires sql.NullTime
	err := row.Scan(&g.ID, &g.Name, &g.Address, &g.Point.Lon, &g.Point.Lat,
		&g.SubscriptionID, &expires, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.SubscriptionExpiresAt = timePtr(expires)
	return &g, nil
}

const groupCols = `id, name, address, ST_X(point), ST_Y(point), subscription_id,
	subscription_expires_at, created_at`

func (p *Postgres) GetGroup(ctx context.Context, id string) (*core.UserGroup, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+groupCols+` FROM user_groups WHERE id = $1`+p.forUpdate(), id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get group", err)
	}
	return g, nil
}

func (p *Postgres) UpdateGroup(ctx context.Context, g *core.UserGroup) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE user_groups SET name=$2, address=$3, point=`+pointExpr(4, 5)+`,
			subscription_id=$6, subscription_expires_at=$7
		WHERE id=$1`,
		g.ID, g.Name, g.Address, g.Point.Lon, g.Point.Lat,
		g.SubscriptionID, nullTime(g.SubscriptionExpiresAt))
	return mustAffect("update group", res, err)
}

func (p *Postgres) GroupsExpiringBefore(ctx context.Context, t time.Time) ([]core.UserGroup, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+groupCols+` FROM user_groups
		 WHERE subscription_expires_at IS NOT NULL AND subscription_expires_at < $1
		 ORDER BY id`, t)
	if err != nil {
		return nil, pgErr("groups expiring", err)
	}
	defer rows.Close()
	var out []core.UserGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, pgErr("scan group", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateMembership(ctx context.Context, m *core.GroupMembership) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO group_memberships (id, group_id, principal_id, role, active)
		VALUES ($1,$2,$3,$4,$5)`,
		m.ID, m.GroupID, m.PrincipalID, m.Role, m.Active)
	return pgErr("create membership", err)
}

func (p *Postgres) UpdateMembership(ctx context.Context, m *core.GroupMembership) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE group_memberships SET role=$2, active=$3 WHERE id=$1`,
		m.ID, m.Role, m.Active)
	return mustAffect("update membership", res, err)
}

func (p *Postgres) GetMembership(ctx context.Context, groupID, principalID string) (*core.GroupMembership, error) {
	var m core.GroupMembership
	err := p.q().QueryRowContext(ctx, `
		SELECT id, group_id, principal_id, role, active FROM group_memberships
		WHERE group_id = $1 AND principal_id = $2`, groupID, principalID).
		Scan(&m.ID, &m.GroupID, &m.PrincipalID, &m.Role, &m.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get membership", err)
	}
	return &m, nil
}

func (p *Postgres) listMemberships(ctx context.Context, where string, arg interface{}) ([]core.GroupMembership, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, group_id, principal_id, role, active FROM group_memberships
		WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, pgErr("list memberships", err)
	}
	defer rows.Close()
	var out []core.GroupMembership
	for rows.Next() {
		var m core.GroupMembership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.PrincipalID, &m.Role, &m.Active); err != nil {
			return nil, pgErr("scan membership", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ListMemberships(ctx context.Context, groupID string) ([]core.GroupMembership, error) {
	return p.listMemberships(ctx, "group_id = $1", groupID)
}

func (p *Postgres) ListMembershipsByPrincipal(ctx context.Context, principalID string) ([]core.GroupMembership, error) {
	return p.listMemberships(ctx, "principal_id = $1", principalID)
}

func (p *Postgres) CreateGroupPhone(ctx context.Context, ph *core.GroupPhoneNumber) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO group_phones (id, group_id, phone, kind, verified)
		VALUES ($1,$2,$3,$4,$5)`,
		ph.ID, ph.GroupID, ph.Phone, ph.Kind, ph.Verified)
	return pgErr("create group phone", err)
}

func (p *Postgres) UpdateGroupPhone(ctx context.Context, ph *core.GroupPhoneNumber) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE group_phones SET phone=$2, kind=$3, verified=$4 WHERE id=$1`,
		ph.ID, ph.Phone, ph.Kind, ph.Verified)
	return mustAffect("update group phone", res, err)
}

func (p *Postgres) DeleteGroupPhone(ctx context.Context, id string) error {
	_, err := p.q().ExecContext(ctx, `DELETE FROM group_phones WHERE id = $1`, id)
	return pgErr("delete group phone", err)
}

func (p *Postgres) GetGroupPhoneByPhone(ctx context.Context, phone string) (*core.GroupPhoneNumber, error) {
	var ph core.GroupPhoneNumber
	err := p.q().QueryRowContext(ctx, `
		SELECT id, group_id, phone, kind, verified FROM group_phones WHERE phone = $1`, phone).
		Scan(&ph.ID, &ph.GroupID, &ph.Phone, &ph.Kind, &ph.Verified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get group phone", err)
	}
	return &ph, nil
}

func (p *Postgres) ListGroupPhones(ctx context.Context, groupID string) ([]core.GroupPhoneNumber, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, group_id, phone, kind, verified FROM group_phones
		WHERE group_id = $1 ORDER BY id`, groupID)
	if err != nil {
		return nil, pgErr("list group phones", err)
	}
	defer rows.Close()
	var out []core.GroupPhoneNumber
	for rows.Next() {
		var ph core.GroupPhoneNumber
		if err := rows.Scan(&ph.ID, &ph.GroupID, &ph.Phone, &ph.Kind, &ph.Verified); err != nil {
			return nil, pgErr("scan group phone", err)
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}

// --- Products and stored subscriptions ---

const productCols = `id, firm_id, name, max_users, price_cents, credit_cost, active, created_at`

func scanProduct(row interface{ Scan(...interface{}) error }) (*core.SubscriptionProduct, error) {
	var pr core.SubscriptionProduct
	err := row.Scan(&pr.ID, &pr.FirmID, &pr.Name, &pr.MaxUsers, &pr.PriceCents,
		&pr.CreditCost, &pr.Active, &pr.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

func (p *Postgres) CreateProduct(ctx context.Context, pr *core.SubscriptionProduct) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO subscription_products (`+productCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		pr.ID, pr.FirmID, pr.Name, pr.MaxUsers, pr.PriceCents, pr.CreditCost, pr.Active, pr.CreatedAt)
	return pgErr("create product", err)
}

func (p *Postgres) GetProduct(ctx context.Context, id string) (*core.SubscriptionProduct, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+productCols+` FROM subscription_products WHERE id = $1`, id)
	pr, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get product", err)
	}
	return pr, nil
}

func (p *Postgres) UpdateProduct(ctx context.Context, pr *core.SubscriptionProduct) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE subscription_products SET name=$2, max_users=$3, price_cents=$4,
			credit_cost=$5, active=$6
		WHERE id=$1`,
		pr.ID, pr.Name, pr.MaxUsers, pr.PriceCents, pr.CreditCost, pr.Active)
	if err != nil {
		return pgErr("update product", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError(core.CodeProductNotFound, "product not found")
	}
	return nil
}

func (p *Postgres) DeleteProduct(ctx context.Context, id string) error {
	_, err := p.q().ExecContext(ctx, `DELETE FROM subscription_products WHERE id = $1`, id)
	return pgErr("delete product", err)
}

func (p *Postgres) ListProducts(ctx context.Context, firmID string) ([]core.SubscriptionProduct, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+productCols+` FROM subscription_products WHERE firm_id = $1 ORDER BY id`, firmID)
	if err != nil {
		return nil, pgErr("list products", err)
	}
	defer rows.Close()
	var out []core.SubscriptionProduct
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, pgErr("scan product", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

const storedSubCols = `id, user_id, product_id, applied, applied_to_group, purchased_at, applied_at, payment_ref`

func scanStoredSub(row interface{ Scan(...interface{}) error }) (*core.StoredSubscription, error) {
	var s core.StoredSubscription
	var appliedAt sql.NullTime
	err := row.Scan(&s.ID, &s.UserID, &s.ProductID, &s.Applied, &s.AppliedToGroup,
		&s.PurchasedAt, &appliedAt, &s.PaymentRef)
	if err != nil {
		return nil, err
	}
	s.AppliedAt = timePtr(appliedAt)
	return &s, nil
}

func (p *Postgres) CreateStoredSubscription(ctx context.Context, s *core.StoredSubscription) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO stored_subscriptions (`+storedSubCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.UserID, s.ProductID, s.Applied, s.AppliedToGroup,
		s.PurchasedAt, nullTime(s.AppliedAt), s.PaymentRef)
	return pgErr("create stored subscription", err)
}

func (p *Postgres) GetStoredSubscription(ctx context.Context, id string) (*core.StoredSubscription, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+storedSubCols+` FROM stored_subscriptions WHERE id = $1`+p.forUpdate(), id)
	s, err := scanStoredSub(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get stored subscription", err)
	}
	return s, nil
}

func (p *Postgres) GetStoredSubscriptionByPaymentRef(ctx context.Context, ref string) (*core.StoredSubscription, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+storedSubCols+` FROM stored_subscriptions WHERE payment_ref = $1`, ref)
	s, err := scanStoredSub(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get stored subscription", err)
	}
	return s, nil
}

func (p *Postgres) UpdateStoredSubscription(ctx context.Context, s *core.StoredSubscription) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE stored_subscriptions SET applied=$2, applied_to_group=$3, applied_at=$4
		WHERE id=$1`,
		s.ID, s.Applied, s.AppliedToGroup, nullTime(s.AppliedAt))
	return mustAffect("update stored subscription", res, err)
}

func (p *Postgres) ListStoredSubscriptions(ctx context.Context, userID string) ([]core.StoredSubscription, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+storedSubCols+` FROM stored_subscriptions WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, pgErr("list stored subscriptions", err)
	}
	defer rows.Close()
	var out []core.StoredSubscription
	for rows.Next() {
		s, err := scanStoredSub(rows)
		if err != nil {
			return nil, pgErr("scan stored subscription", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) AnyStoredSubscriptionForProduct(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := p.q().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stored_subscriptions WHERE product_id = $1)`, productID).
		Scan(&exists)
	if err != nil {
		return false, pgErr("stored subscription for product", err)
	}
	return exists, nil
}

// --- Credit transactions ---

func (p *Postgres) AppendCreditTransaction(ctx context.Context, t *core.CreditTransaction) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO credit_transactions (id, firm_id, delta, reason, external_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.FirmID, t.Delta, t.Reason, t.ExternalRef, t.CreatedAt)
	return pgErr("append credit transaction", err)
}

func (p *Postgres) ListCreditTransactions(ctx context.Context, firmID string) ([]core.CreditTransaction, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, firm_id, delta, reason, external_ref, created_at
		FROM credit_transactions WHERE firm_id = $1 ORDER BY created_at`, firmID)
	if err != nil {
		return nil, pgErr("list credit transactions", err)
	}
	defer rows.Close()
	var out []core.CreditTransaction
	for rows.Next() {
		var t core.CreditTransaction
		if err := rows.Scan(&t.ID, &t.FirmID, &t.Delta, &t.Reason, &t.ExternalRef, &t.CreatedAt); err != nil {
			return nil, pgErr("scan credit transaction", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) GetCreditTransactionByRef(ctx context.Context, externalRef string) (*core.CreditTransaction, error) {
	var t core.CreditTransaction
	err := p.q().QueryRowContext(ctx, `
		SELECT id, firm_id, delta, reason, external_ref, created_at
		FROM credit_transactions WHERE external_ref = $1`, externalRef).
		Scan(&t.ID, &t.FirmID, &t.Delta, &t.Reason, &t.ExternalRef, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get credit transaction", err)
	}
	return &t, nil
}

// --- Panic requests ---

const requestCols = `id, requester_phone, requester_id, group_id, firm_id, service,
	ST_X(point), ST_Y(point), address, description, status, grace_alert, silent_mode,
	assigned_team_id, assigned_provider_id, created_at, accepted_at, arrived_at, completed_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*core.PanicRequest, error) {
	var r core.PanicRequest
	var accepted, arrived, completed sql.NullTime
	err := row.Scan(&r.ID, &r.RequesterPhone, &r.RequesterID, &r.GroupID, &r.FirmID,
		&r.Service, &r.Point.Lon, &r.Point.Lat, &r.Address, &r.Description, &r.Status,
		&r.GraceAlert, &r.SilentMode, &r.AssignedTeamID, &r.AssignedProviderID,
		&r.CreatedAt, &accepted, &arrived, &completed)
	if err != nil {
		return nil, err
	}
	r.AcceptedAt = timePtr(accepted)
	r.ArrivedAt = timePtr(arrived)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func (p *Postgres) CreateRequest(ctx context.Context, r *core.PanicRequest) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO panic_requests (id, requester_phone, requester_id, group_id, firm_id,
			service, point, address, description, status, grace_alert, silent_mode,
			assigned_team_id, assigned_provider_id, created_at, accepted_at, arrived_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,`+pointExpr(7, 8)+`,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.RequesterPhone, r.RequesterID, r.GroupID, r.FirmID, r.Service,
		r.Point.Lon, r.Point.Lat, r.Address, r.Description, r.Status, r.GraceAlert,
		r.SilentMode, r.AssignedTeamID, r.AssignedProviderID, r.CreatedAt,
		nullTime(r.AcceptedAt), nullTime(r.ArrivedAt), nullTime(r.CompletedAt))
	return pgErr("create request", err)
}

func (p *Postgres) GetRequest(ctx context.Context, id string) (*core.PanicRequest, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM panic_requests WHERE id = $1`+p.forUpdate(), id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get request", err)
	}
	return r, nil
}

func (p *Postgres) UpdateRequest(ctx context.Context, r *core.PanicRequest) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE panic_requests SET requester_id=$2, group_id=$3, firm_id=$4,
			point=`+pointExpr(5, 6)+`, address=$7, description=$8, status=$9,
			grace_alert=$10, silent_mode=$11, assigned_team_id=$12, assigned_provider_id=$13,
			accepted_at=$14, arrived_at=$15, completed_at=$16
		WHERE id=$1`,
		r.ID, r.RequesterID, r.GroupID, r.FirmID, r.Point.Lon, r.Point.Lat,
		r.Address, r.Description, r.Status, r.GraceAlert, r.SilentMode,
		r.AssignedTeamID, r.AssignedProviderID,
		nullTime(r.AcceptedAt), nullTime(r.ArrivedAt), nullTime(r.CompletedAt))
	if err != nil {
		return pgErr("update request", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError(core.CodeRequestNotFound, "request not found")
	}
	return nil
}

func (p *Postgres) ActiveRequestByPhoneService(ctx context.Context, phone string, service core.ServiceType) (*core.PanicRequest, error) {
	row := p.q().QueryRowContext(ctx, `
		SELECT `+requestCols+` FROM panic_requests
		WHERE requester_phone = $1 AND service = $2
		  AND status NOT IN ('completed', 'cancelled')
		ORDER BY created_at DESC LIMIT 1`+p.forUpdate(), phone, service)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("active request by phone", err)
	}
	return r, nil
}

func (p *Postgres) CountRequestsByPhoneSince(ctx context.Context, phone string, since time.Time) (int, error) {
	var n int
	err := p.q().QueryRowContext(ctx, `
		SELECT count(*) FROM panic_requests
		WHERE requester_phone = $1 AND created_at >= $2`, phone, since).Scan(&n)
	if err != nil {
		return 0, pgErr("count requests", err)
	}
	return n, nil
}

func (p *Postgres) listRequests(ctx context.Context, query string, args ...interface{}) ([]core.PanicRequest, error) {
	rows, err := p.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgErr("list requests", err)
	}
	defer rows.Close()
	var out []core.PanicRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, pgErr("scan request", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *Postgres) ListNonTerminalRequests(ctx context.Context) ([]core.PanicRequest, error) {
	return p.listRequests(ctx, `
		SELECT `+requestCols+` FROM panic_requests
		WHERE status NOT IN ('completed', 'cancelled') ORDER BY created_at`)
}

func (p *Postgres) ListRequestsByGroup(ctx context.Context, groupID string) ([]core.PanicRequest, error) {
	return p.listRequests(ctx, `
		SELECT `+requestCols+` FROM panic_requests
		WHERE group_id = $1 ORDER BY created_at`, groupID)
}

// --- Status updates ---

func (p *Postgres) AppendStatusUpdate(ctx context.Context, u *core.RequestStatusUpdate) error {
	var lon, lat interface{}
	if u.Position != nil {
		lon, lat = u.Position.Lon, u.Position.Lat
	}
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO request_status_updates (id, request_id, status, message, responder_id, position, created_at)
		VALUES ($1,$2,$3,$4,$5,
			CASE WHEN $6::float8 IS NULL THEN NULL ELSE ST_SetSRID(ST_MakePoint($6, $7), 4326) END,
			$8)`,
		u.ID, u.RequestID, u.Status, u.Message, u.ResponderID, lon, lat, u.CreatedAt)
	return pgErr("append status update", err)
}

func (p *Postgres) ListStatusUpdates(ctx context.Context, requestID string) ([]core.RequestStatusUpdate, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, request_id, status, message, responder_id,
			ST_X(position), ST_Y(position), created_at
		FROM request_status_updates WHERE request_id = $1
		ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, pgErr("list status updates", err)
	}
	defer rows.Close()
	var out []core.RequestStatusUpdate
	for rows.Next() {
		var u core.RequestStatusUpdate
		var lon, lat sql.NullFloat64
		if err := rows.Scan(&u.ID, &u.RequestID, &u.Status, &u.Message, &u.ResponderID,
			&lon, &lat, &u.CreatedAt); err != nil {
			return nil, pgErr("scan status update", err)
		}
		if lon.Valid && lat.Valid {
			u.Position = &core.Point{Lon: lon.Float64, Lat: lat.Float64}
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Location logs ---

func (p *Postgres) AppendLocationLog(ctx context.Context, l *core.LocationLog) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO location_logs (id, request_id, user_id, point, accuracy_m, source, created_at)
		VALUES ($1,$2,$3,`+pointExpr(4, 5)+`,$6,$7,$8)`,
		l.ID, l.RequestID, l.UserID, l.Point.Lon, l.Point.Lat, l.AccuracyM, l.Source, l.CreatedAt)
	return pgErr("append location log", err)
}

func (p *Postgres) ListLocationLogs(ctx context.Context, requestID string) ([]core.LocationLog, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, request_id, user_id, ST_X(point), ST_Y(point), accuracy_m, source, created_at
		FROM location_logs WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, pgErr("list location logs", err)
	}
	defer rows.Close()
	var out []core.LocationLog
	for rows.Next() {
		var l core.LocationLog
		if err := rows.Scan(&l.ID, &l.RequestID, &l.UserID, &l.Point.Lon, &l.Point.Lat,
			&l.AccuracyM, &l.Source, &l.CreatedAt); err != nil {
			return nil, pgErr("scan location log", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Feedback ---

func (p *Postgres) CreateFeedback(ctx context.Context, f *core.RequestFeedback) error {
	var rating sql.NullInt64
	if f.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*f.Rating), Valid: true}
	}
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO request_feedback (request_id, responder_id, is_prank, rating, comments, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		f.RequestID, f.ResponderID, f.IsPrank, rating, f.Comments, f.CreatedAt)
	if pe, ok := err.(*pq.Error); ok && pe.Code == "23505" {
		return core.NewError(core.CodeInvalidStatusTransition, "feedback already recorded")
	}
	return pgErr("create feedback", err)
}

func (p *Postgres) GetFeedback(ctx context.Context, requestID string) (*core.RequestFeedback, error) {
	var f core.RequestFeedback
	var rating sql.NullInt64
	err := p.q().QueryRowContext(ctx, `
		SELECT request_id, responder_id, is_prank, rating, comments, created_at
		FROM request_feedback WHERE request_id = $1`, requestID).
		Scan(&f.RequestID, &f.ResponderID, &f.IsPrank, &rating, &f.Comments, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get feedback", err)
	}
	if rating.Valid {
		r := int(rating.Int64)
		f.Rating = &r
	}
	return &f, nil
}

func (p *Postgres) CountPrankFeedbackSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.q().QueryRowContext(ctx, `
		SELECT count(*) FROM request_feedback fb
		JOIN panic_requests r ON r.id = fb.request_id
		WHERE fb.is_prank AND fb.created_at >= $2 AND r.requester_id = $1`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, pgErr("count prank feedback", err)
	}
	return n, nil
}

// --- Fines ---

const fineCols = `id, user_id, amount_cents, reason, paid, paid_at, payment_ref, created_at`

func scanFine(row interface{ Scan(...interface{}) error }) (*core.UserFine, error) {
	var f core.UserFine
	var paidAt sql.NullTime
	err := row.Scan(&f.ID, &f.UserID, &f.AmountCents, &f.Reason, &f.Paid, &paidAt,
		&f.PaymentRef, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.PaidAt = timePtr(paidAt)
	return &f, nil
}

func (p *Postgres) CreateFine(ctx context.Context, f *core.UserFine) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO user_fines (`+fineCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.UserID, f.AmountCents, f.Reason, f.Paid, nullTime(f.PaidAt),
		f.PaymentRef, f.CreatedAt)
	return pgErr("create fine", err)
}

func (p *Postgres) GetFine(ctx context.Context, id string) (*core.UserFine, error) {
	row := p.q().QueryRowContext(ctx,
		`SELECT `+fineCols+` FROM user_fines WHERE id = $1`+p.forUpdate(), id)
	f, err := scanFine(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("get fine", err)
	}
	return f, nil
}

func (p *Postgres) UpdateFine(ctx context.Context, f *core.UserFine) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE user_fines SET paid=$2, paid_at=$3, payment_ref=$4 WHERE id=$1`,
		f.ID, f.Paid, nullTime(f.PaidAt), f.PaymentRef)
	return mustAffect("update fine", res, err)
}

func (p *Postgres) listFines(ctx context.Context, where string, userID string) ([]core.UserFine, error) {
	rows, err := p.q().QueryContext(ctx,
		`SELECT `+fineCols+` FROM user_fines WHERE `+where+` ORDER BY created_at`, userID)
	if err != nil {
		return nil, pgErr("list fines", err)
	}
	defer rows.Close()
	var out []core.UserFine
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, pgErr("scan fine", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (p *Postgres) ListFines(ctx context.Context, userID string) ([]core.UserFine, error) {
	return p.listFines(ctx, "user_id = $1", userID)
}

func (p *Postgres) ListUnpaidFines(ctx context.Context, userID string) ([]core.UserFine, error) {
	return p.listFines(ctx, "user_id = $1 AND NOT paid", userID)
}

// --- Provider assignments ---

func (p *Postgres) CreateAssignment(ctx context.Context, a *core.ProviderAssignment) error {
	_, err := p.q().ExecContext(ctx, `
		INSERT INTO provider_assignments (id, request_id, provider_id, distance_km, eta_minutes, released, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.RequestID, a.ProviderID, a.DistanceKM, a.ETAMinutes, a.Released, a.CreatedAt)
	return pgErr("create assignment", err)
}

func (p *Postgres) UpdateAssignment(ctx context.Context, a *core.ProviderAssignment) error {
	res, err := p.q().ExecContext(ctx, `
		UPDATE provider_assignments SET released=$2 WHERE id=$1`, a.ID, a.Released)
	return mustAffect("update assignment", res, err)
}

func scanAssignment(row interface{ Scan(...interface{}) error }) (*core.ProviderAssignment, error) {
	var a core.ProviderAssignment
	err := row.Scan(&a.ID, &a.RequestID, &a.ProviderID, &a.DistanceKM, &a.ETAMinutes,
		&a.Released, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) OpenAssignmentsForProvider(ctx context.Context, providerID string) ([]core.ProviderAssignment, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT a.id, a.request_id, a.provider_id, a.distance_km, a.eta_minutes, a.released, a.created_at
		FROM provider_assignments a
		JOIN panic_requests r ON r.id = a.request_id
		WHERE a.provider_id = $1 AND NOT a.released
		  AND r.status NOT IN ('completed', 'cancelled')
		ORDER BY a.id`, providerID)
	if err != nil {
		return nil, pgErr("open assignments", err)
	}
	defer rows.Close()
	var out []core.ProviderAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, pgErr("scan assignment", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListAssignments(ctx context.Context, requestID string) ([]core.ProviderAssignment, error) {
	rows, err := p.q().QueryContext(ctx, `
		SELECT id, request_id, provider_id, distance_km, eta_minutes, released, created_at
		FROM provider_assignments WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, pgErr("list assignments", err)
	}
	defer rows.Close()
	var out []core.ProviderAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, pgErr("scan assignment", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
