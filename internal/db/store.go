package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"outcome-exchange/internal/model"
)

// Store is the durable substrate: users with faucet counters, the
// append-only event log and engine state snapshots. Balances, markets,
// positions and orders live in the engine and reach the database only
// through snapshots and events.
type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, id, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING id, email, password_hash, role, faucet_claims, created_at`, id, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.FaucetClaims, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, faucet_claims, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.FaucetClaims, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, faucet_claims, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.FaucetClaims, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, email, role, faucet_claims, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.FaucetClaims, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ── Faucet ───────────────────────────────────────────

// ClaimFaucet bumps the user's claim counter if still under the cap.
// Returns the new count and whether the claim was granted. The counter is
// the caller-facing enforcement in front of the engine's Mint.
func (s *Store) ClaimFaucet(ctx context.Context, userID string, maxClaims int) (int, bool, error) {
	var claims int
	err := s.DB.QueryRowContext(ctx,
		`UPDATE users SET faucet_claims = faucet_claims + 1
		 WHERE id=$1 AND faucet_claims < $2
		 RETURNING faucet_claims`, userID, maxClaims,
	).Scan(&claims)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return claims, true, nil
}

// ── Event Log ────────────────────────────────────────

func (s *Store) AppendEvent(ctx context.Context, evType string, marketID *uint64, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var mid *int64
	if marketID != nil {
		v := int64(*marketID)
		mid = &v
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO event_log (market_id, type, payload_json) VALUES ($1,$2,$3)`,
		mid, evType, b,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, marketID *uint64, limit int) ([]model.EventLog, error) {
	q := `SELECT id, market_id, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, int64(*marketID))
	}
	q += ` ORDER BY id DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var mid *int64
		var raw []byte
		if err := rows.Scan(&e.ID, &mid, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if mid != nil {
			v := uint64(*mid)
			e.MarketID = &v
		}
		_ = json.Unmarshal(raw, &e.PayloadJSON)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Snapshots ────────────────────────────────────────

func (s *Store) SaveSnapshot(ctx context.Context, state []byte) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO engine_snapshots (state) VALUES ($1)`, state)
	return err
}

// LoadSnapshot returns the most recent snapshot, or nil if none exists.
func (s *Store) LoadSnapshot(ctx context.Context) ([]byte, error) {
	var state []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT state FROM engine_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return state, err
}

// PruneSnapshots keeps only the newest `keep` snapshots.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM engine_snapshots WHERE id NOT IN (
			SELECT id FROM engine_snapshots ORDER BY id DESC LIMIT $1
		 )`, keep)
	return err
}
