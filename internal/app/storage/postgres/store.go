// Package postgres implements the contribution store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/storage"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

// Store implements storage.ContributionStore backed by PostgreSQL.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

var _ storage.ContributionStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("postgres")
	}
	return &Store{db: db, log: log}
}

// EnsureSchema creates the tables when missing and performs the single
// best-effort in-place upgrade for installs that predate the note and
// game_id columns. Upgrade failures are logged, not fatal.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const contributions = `
		CREATE TABLE IF NOT EXISTS contributions (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			game_id TEXT,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			z DOUBLE PRECISION NOT NULL,
			world TEXT NOT NULL,
			creator_uuid TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	const contributors = `
		CREATE TABLE IF NOT EXISTS contributors (
			id BIGSERIAL PRIMARY KEY,
			contribution_id BIGINT NOT NULL REFERENCES contributions(id) ON DELETE CASCADE,
			player_uuid TEXT NOT NULL,
			player_name TEXT NOT NULL,
			note TEXT,
			inviter_uuid TEXT,
			level INTEGER NOT NULL DEFAULT 1,
			UNIQUE (contribution_id, player_uuid)
		)`

	if _, err := s.db.ExecContext(ctx, contributions); err != nil {
		return fmt.Errorf("create contributions table: %w", mapError(err))
	}
	if _, err := s.db.ExecContext(ctx, contributors); err != nil {
		return fmt.Errorf("create contributors table: %w", mapError(err))
	}

	for _, stmt := range []string{
		`ALTER TABLE contributors ADD COLUMN IF NOT EXISTS note TEXT`,
		`ALTER TABLE contributions ADD COLUMN IF NOT EXISTS game_id TEXT`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.log.WithError(err).Warn("schema upgrade statement failed")
		}
	}
	return nil
}

// --- row types ---------------------------------------------------------------

type contributionRow struct {
	ID          int64          `db:"id"`
	Name        string         `db:"name"`
	Type        string         `db:"type"`
	GameID      sql.NullString `db:"game_id"`
	X           float64        `db:"x"`
	Y           float64        `db:"y"`
	Z           float64        `db:"z"`
	World       string         `db:"world"`
	CreatorUUID string         `db:"creator_uuid"`
	CreatorName sql.NullString `db:"creator_name"`
	CreatedAt   time.Time      `db:"created_at"`
}

type contributorRow struct {
	ContributionID int64          `db:"contribution_id"`
	PlayerUUID     string         `db:"player_uuid"`
	PlayerName     string         `db:"player_name"`
	Note           sql.NullString `db:"note"`
	InviterUUID    sql.NullString `db:"inviter_uuid"`
	Level          int            `db:"level"`
}

func (r contributionRow) toDomain() (contribution.Contribution, error) {
	creator, err := uuid.Parse(r.CreatorUUID)
	if err != nil {
		return contribution.Contribution{}, fmt.Errorf("parse creator uuid: %w", err)
	}
	return contribution.Contribution{
		ID:          r.ID,
		Name:        r.Name,
		Type:        contribution.Type(r.Type),
		GameID:      r.GameID.String,
		CreatorID:   creator,
		CreatorName: r.CreatorName.String,
		X:           r.X,
		Y:           r.Y,
		Z:           r.Z,
		World:       r.World,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func (r contributorRow) toDomain() (contribution.ContributorRecord, error) {
	actorID, err := uuid.Parse(r.PlayerUUID)
	if err != nil {
		return contribution.ContributorRecord{}, fmt.Errorf("parse player uuid: %w", err)
	}
	rec := contribution.ContributorRecord{
		ContributionID: r.ContributionID,
		ActorID:        actorID,
		Name:           r.PlayerName,
		Level:          r.Level,
		Note:           r.Note.String,
	}
	if r.InviterUUID.Valid {
		inviter, err := uuid.Parse(r.InviterUUID.String)
		if err != nil {
			return contribution.ContributorRecord{}, fmt.Errorf("parse inviter uuid: %w", err)
		}
		rec.InviterID = &inviter
	}
	return rec, nil
}

// creatorNameSubquery resolves the creator's display name from their own
// contributor record.
const creatorNameSubquery = `(
	SELECT player_name FROM contributors
	WHERE contribution_id = c.id AND player_uuid = c.creator_uuid
) AS creator_name`

// --- ContributionStore -------------------------------------------------------

func (s *Store) CreateContribution(ctx context.Context, c contribution.Contribution) (contribution.Contribution, error) {
	c.CreatedAt = time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO contributions (name, type, game_id, x, y, z, world, creator_uuid, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, c.Name, string(c.Type), c.GameID, c.X, c.Y, c.Z, c.World, c.CreatorID.String(), c.CreatedAt)
	if err := row.Scan(&c.ID); err != nil {
		return contribution.Contribution{}, mapError(err)
	}
	return c, nil
}

func (s *Store) AddContributor(ctx context.Context, contributionID int64, actorID uuid.UUID, name, note string, inviterID *uuid.UUID) (contribution.ContributorRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return contribution.ContributorRecord{}, mapError(err)
	}
	defer tx.Rollback()

	// The level is derived inside the insert transaction so two
	// concurrent adds can never observe inconsistent inviter levels.
	level := 1
	if inviterID != nil {
		err := tx.GetContext(ctx, &level, `
			SELECT level FROM contributors
			WHERE contribution_id = $1 AND player_uuid = $2
		`, contributionID, inviterID.String())
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return contribution.ContributorRecord{}, fmt.Errorf("inviter has no contributor record: %w", storage.ErrNotFound)
			}
			return contribution.ContributorRecord{}, mapError(err)
		}
		level++
	}

	var inviter any
	if inviterID != nil {
		inviter = inviterID.String()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO contributors (contribution_id, player_uuid, player_name, note, inviter_uuid, level)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
	`, contributionID, actorID.String(), name, note, inviter, level)
	if err != nil {
		return contribution.ContributorRecord{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return contribution.ContributorRecord{}, mapError(err)
	}

	return contribution.ContributorRecord{
		ContributionID: contributionID,
		ActorID:        actorID,
		Name:           name,
		Level:          level,
		InviterID:      inviterID,
		Note:           note,
	}, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*contribution.Contribution, error) {
	var row contributionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT c.id, c.name, c.type, c.game_id, c.x, c.y, c.z, c.world,
		       c.creator_uuid, c.created_at, `+creatorNameSubquery+`
		FROM contributions c
		WHERE c.id = $1
	`, id)
	if err != nil {
		return nil, mapError(err)
	}

	c, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if c.Contributors, err = s.GetContributorsOf(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetAll(ctx context.Context) ([]contribution.Contribution, error) {
	var rows []contributionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.name, c.type, c.game_id, c.x, c.y, c.z, c.world,
		       c.creator_uuid, c.created_at, `+creatorNameSubquery+`
		FROM contributions c
		ORDER BY c.created_at DESC, c.id DESC
	`)
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]contribution.Contribution, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		if c.Contributors, err = s.GetContributorsOf(ctx, c.ID); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *Store) GetByName(ctx context.Context, name string) (*contribution.Contribution, error) {
	var row contributionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT c.id, c.name, c.type, c.game_id, c.x, c.y, c.z, c.world,
		       c.creator_uuid, c.created_at, `+creatorNameSubquery+`
		FROM contributions c
		WHERE c.name = $1
		ORDER BY c.created_at DESC
		LIMIT 1
	`, name)
	if err != nil {
		return nil, mapError(err)
	}

	c, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if c.Contributors, err = s.GetContributorsOf(ctx, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetNearby(ctx context.Context, x, y, z float64, world string, radius float64) ([]contribution.Contribution, error) {
	var rows []contributionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.name, c.type, c.game_id, c.x, c.y, c.z, c.world,
		       c.creator_uuid, c.created_at, `+creatorNameSubquery+`
		FROM contributions c
		WHERE c.world = $1
		  AND ABS(c.x - $2) <= $5 AND ABS(c.y - $3) <= $5 AND ABS(c.z - $4) <= $5
		ORDER BY c.created_at DESC
	`, world, x, y, z, radius)
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]contribution.Contribution, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *Store) GetByCreator(ctx context.Context, creatorID uuid.UUID) ([]contribution.Contribution, error) {
	var rows []contributionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.name, c.type, c.game_id, c.x, c.y, c.z, c.world,
		       c.creator_uuid, c.created_at, `+creatorNameSubquery+`
		FROM contributions c
		WHERE c.creator_uuid = $1
		ORDER BY c.created_at DESC
	`, creatorID.String())
	if err != nil {
		return nil, mapError(err)
	}

	result := make([]contribution.Contribution, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *Store) DeleteContribution(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	// Contributor rows go first; rollback on any failure keeps partial
	// deletion unobservable.
	if _, err := tx.ExecContext(ctx, `DELETE FROM contributors WHERE contribution_id = $1`, id); err != nil {
		return mapError(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM contributions WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) DeleteContributor(ctx context.Context, contributionID int64, actorID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM contributors WHERE contribution_id = $1 AND player_uuid = $2
	`, contributionID, actorID.String())
	if err != nil {
		return mapError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetContributorRecord(ctx context.Context, contributionID int64, actorID uuid.UUID) (*contribution.ContributorRecord, error) {
	var row contributorRow
	err := s.db.GetContext(ctx, &row, `
		SELECT contribution_id, player_uuid, player_name, note, inviter_uuid, level
		FROM contributors
		WHERE contribution_id = $1 AND player_uuid = $2
	`, contributionID, actorID.String())
	if err != nil {
		return nil, mapError(err)
	}
	rec, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetContributorsOf(ctx context.Context, contributionID int64) ([]contribution.ContributorRecord, error) {
	var rows []contributorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT contribution_id, player_uuid, player_name, note, inviter_uuid, level
		FROM contributors
		WHERE contribution_id = $1
		ORDER BY level ASC, player_name ASC
	`, contributionID)
	if err != nil {
		return nil, mapError(err)
	}

	records := make([]contribution.ContributorRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) GetSuperiorOf(ctx context.Context, contributionID int64, actorID uuid.UUID) (*contribution.ContributorRecord, error) {
	var row contributorRow
	err := s.db.GetContext(ctx, &row, `
		SELECT s.contribution_id, s.player_uuid, s.player_name, s.note, s.inviter_uuid, s.level
		FROM contributors s
		WHERE s.contribution_id = $1 AND s.player_uuid = (
			SELECT inviter_uuid FROM contributors
			WHERE contribution_id = $1 AND player_uuid = $2
		)
	`, contributionID, actorID.String())
	if err != nil {
		return nil, mapError(err)
	}
	rec, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ContributorCount(ctx context.Context, contributionID int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM contributors WHERE contribution_id = $1
	`, contributionID)
	if err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (s *Store) FindActorsByName(ctx context.Context, pattern string) ([]contribution.ContributorRecord, error) {
	var rows []contributorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (player_uuid)
		       contribution_id, player_uuid, player_name, note, inviter_uuid, level
		FROM contributors
		WHERE player_name ILIKE '%' || $1 || '%'
		ORDER BY player_uuid, contribution_id
	`, pattern)
	if err != nil {
		return nil, mapError(err)
	}

	records := make([]contribution.ContributorRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) IsContributor(ctx context.Context, contributionID int64, actorID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM contributors WHERE contribution_id = $1 AND player_uuid = $2
		)
	`, contributionID, actorID.String())
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

func (s *Store) IsCreator(ctx context.Context, contributionID int64, actorID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM contributions WHERE id = $1 AND creator_uuid = $2
		)
	`, contributionID, actorID.String())
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

// mapError translates driver errors into the storage taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return fmt.Errorf("%w: %v", storage.ErrConflict, err)
		case "foreign_key_violation":
			return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
		}
		if pqErr.Code.Class() == "08" { // connection exceptions
			return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}
