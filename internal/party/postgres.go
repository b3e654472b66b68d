package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the pgx-backed Store for deployments that must keep
// registrations across restarts. One row per party; the role tuples and both
// access-info sequences are stored as JSONB and key lookups use JSONB
// containment on the roles column.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const partiesSchema = `
CREATE TABLE IF NOT EXISTS remote_parties (
	id                  UUID PRIMARY KEY,
	roles               JSONB NOT NULL,
	local_access_infos  JSONB NOT NULL,
	remote_access_infos JSONB NOT NULL,
	status              TEXT  NOT NULL,
	registered          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS remote_parties_roles_idx ON remote_parties USING GIN (roles);
`

// Migrate creates the remote_parties table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, partiesSchema)
	return err
}

// roleKeyJSON renders a role key as the JSONB fragment used for containment
// matching against the roles column.
func roleKeyJSON(key RoleKey) []byte {
	b, _ := json.Marshal([]map[string]string{{
		"country_code": key.CountryCode,
		"party_id":     key.PartyID,
		"role":         string(key.Role),
	}})
	return b
}

// Add implements Store. Existing rows occupying any of the party's role keys
// are removed in the same transaction, so the latest Add wins.
func (s *PostgresStore) Add(ctx context.Context, p *RemoteParty) error {
	keys, err := RoleKeys(p.Roles)
	if err != nil {
		return err
	}
	seen := make(map[RoleKey]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate credentials role %s", k)
		}
		seen[k] = struct{}{}
	}

	roles, local, remote, err := marshalParty(p)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, k := range keys {
		if _, err := tx.Exec(ctx,
			`DELETE FROM remote_parties WHERE roles @> $1`, roleKeyJSON(k)); err != nil {
			return fmt.Errorf("displace existing party: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO remote_parties
			(id, roles, local_access_infos, remote_access_infos, status, registered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, roles, local, remote, string(p.Status), p.Registered, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert party: %w", err)
	}
	return tx.Commit(ctx)
}

// Remove implements Store.
func (s *PostgresStore) Remove(ctx context.Context, key RoleKey) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM remote_parties WHERE roles @> $1`, roleKeyJSON(key))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key RoleKey) (*RemoteParty, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, roles, local_access_infos, remote_access_infos, status, registered, created_at, updated_at
		FROM remote_parties WHERE roles @> $1`, roleKeyJSON(key))
	p, err := scanParty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetByLocalToken implements Store. Token matching happens in Go over the
// full party set; tokens live inside the JSONB access-info column and the
// registry holds one row per bilateral partner.
func (s *PostgresStore) GetByLocalToken(ctx context.Context, token string) (*RemoteParty, *LocalAccessInfo, bool, error) {
	parties, err := s.List(ctx)
	if err != nil {
		return nil, nil, false, err
	}

	var blockedParty *RemoteParty
	var blockedMatch *LocalAccessInfo
	for _, p := range parties {
		match, honored := p.MatchLocalToken(token)
		if match == nil {
			continue
		}
		if honored {
			return p, match, true, nil
		}
		if blockedMatch == nil {
			blockedParty, blockedMatch = p, match
		}
	}
	if blockedMatch != nil {
		return blockedParty, blockedMatch, false, nil
	}
	return nil, nil, false, ErrNotFound
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]*RemoteParty, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, roles, local_access_infos, remote_access_infos, status, registered, created_at, updated_at
		FROM remote_parties ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RemoteParty
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, p *RemoteParty) error {
	roles, local, remote, err := marshalParty(p)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE remote_parties
		SET roles = $2, local_access_infos = $3, remote_access_infos = $4,
		    status = $5, registered = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, roles, local, remote, string(p.Status), p.Registered, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalParty(p *RemoteParty) (roles, local, remote []byte, err error) {
	if roles, err = json.Marshal(p.Roles); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal roles: %w", err)
	}
	if local, err = json.Marshal(p.LocalAccessInfos); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal local access infos: %w", err)
	}
	if remote, err = json.Marshal(p.RemoteAccessInfos); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal remote access infos: %w", err)
	}
	return roles, local, remote, nil
}

func scanParty(row pgx.Row) (*RemoteParty, error) {
	var (
		p      RemoteParty
		roles  []byte
		local  []byte
		remote []byte
		status string
	)
	if err := row.Scan(&p.ID, &roles, &local, &remote, &status, &p.Registered, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(roles, &p.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal(local, &p.LocalAccessInfos); err != nil {
		return nil, fmt.Errorf("decode local access infos: %w", err)
	}
	if err := json.Unmarshal(remote, &p.RemoteAccessInfos); err != nil {
		return nil, fmt.Errorf("decode remote access infos: %w", err)
	}
	p.Status = PartyStatus(status)
	return &p, nil
}

// compile-time interface checks
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
