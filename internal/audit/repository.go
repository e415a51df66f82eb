package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryParams mirrors the timeline filters in their SQL form. Null text
// values disable the matching filter.
type QueryParams struct {
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	Actor      pgtype.Text
	Entity     pgtype.Text
	Action     pgtype.Text
	OffsetRows int32
	LimitRows  int32
}

// Row is one audit_logs record joined with the actor's username.
type Row struct {
	At       pgtype.Timestamptz
	Actor    pgtype.Text
	Action   string
	Entity   string
	EntityID string
	Meta     []byte
}

// PGRepository reads audit_logs.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const timelineQuery = `
	SELECT a.occurred_at, u.username, a.action, a.entity, a.entity_id, a.meta
	FROM audit_logs a
	LEFT JOIN users u ON u.id = a.actor_id
	WHERE ($1::timestamptz IS NULL OR a.occurred_at >= $1)
	  AND ($2::timestamptz IS NULL OR a.occurred_at < $2)
	  AND ($3::text IS NULL OR lower(u.username) = lower($3))
	  AND ($4::text IS NULL OR a.entity = $4)
	  AND ($5::text IS NULL OR a.action = $5)
	ORDER BY a.occurred_at DESC, a.id DESC`

// TimelineWindow returns one page of rows.
func (r *PGRepository) TimelineWindow(ctx context.Context, arg QueryParams) ([]Row, error) {
	rows, err := r.pool.Query(ctx, timelineQuery+` LIMIT $6 OFFSET $7`,
		arg.FromAt, arg.ToAt, arg.Actor, arg.Entity, arg.Action, arg.LimitRows, arg.OffsetRows)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRow)
}

// TimelineAll returns every matching row.
func (r *PGRepository) TimelineAll(ctx context.Context, arg QueryParams) ([]Row, error) {
	rows, err := r.pool.Query(ctx, timelineQuery, arg.FromAt, arg.ToAt, arg.Actor, arg.Entity, arg.Action)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRow)
}

func scanRow(row pgx.CollectableRow) (Row, error) {
	var r Row
	err := row.Scan(&r.At, &r.Actor, &r.Action, &r.Entity, &r.EntityID, &r.Meta)
	return r, err
}

func decodeMeta(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil || len(meta) == 0 {
		return nil
	}
	return meta
}

var _ Repository = (*PGRepository)(nil)
