package dbsqlc

import (
	"context"
	"time"
)

const producerInsert = `-- name: ProducerInsert :one
INSERT INTO producers (uuid, name, node, queue, meta, updated_at)
VALUES ($1, $2, $3, $4, coalesce($5::jsonb, '{}'), $6)
RETURNING uuid, name, node, queue, meta, updated_at
`

type ProducerInsertParams struct {
	UUID      string
	Name      string
	Node      string
	Queue     string
	Meta      []byte
	UpdatedAt time.Time
}

func (q *Queries) ProducerInsert(ctx context.Context, db DBTX, arg *ProducerInsertParams) (*Producer, error) {
	row := db.QueryRow(ctx, producerInsert, arg.UUID, arg.Name, arg.Node, arg.Queue, arg.Meta, arg.UpdatedAt)
	return scanProducer(row)
}

const producerUpdateMeta = `-- name: ProducerUpdateMeta :one
UPDATE producers
SET meta = $2::jsonb, updated_at = $3::timestamptz
WHERE uuid = $1
RETURNING uuid, name, node, queue, meta, updated_at
`

type ProducerUpdateMetaParams struct {
	UUID      string
	Meta      []byte
	UpdatedAt time.Time
}

func (q *Queries) ProducerUpdateMeta(ctx context.Context, db DBTX, arg *ProducerUpdateMetaParams) (*Producer, error) {
	row := db.QueryRow(ctx, producerUpdateMeta, arg.UUID, arg.Meta, arg.UpdatedAt)
	return scanProducer(row)
}

const producerHeartbeatMany = `-- name: ProducerHeartbeatMany :execrows
UPDATE producers
SET updated_at = $2::timestamptz
WHERE uuid = any($1::text[])
`

type ProducerHeartbeatManyParams struct {
	UUIDs []string
	Now   time.Time
}

// ProducerHeartbeatMany refreshes updated_at for every producer uuid this
// node owns, in one round trip (spec §4.7 "Heartbeat (all nodes)").
func (q *Queries) ProducerHeartbeatMany(ctx context.Context, db DBTX, arg *ProducerHeartbeatManyParams) (int64, error) {
	tag, err := db.Exec(ctx, producerHeartbeatMany, arg.UUIDs, arg.Now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const producerDelete = `-- name: ProducerDelete :execrows
DELETE FROM producers WHERE uuid = $1
`

func (q *Queries) ProducerDelete(ctx context.Context, db DBTX, uuid string) error {
	_, err := db.Exec(ctx, producerDelete, uuid)
	return err
}

const producerDeleteExpired = `-- name: ProducerDeleteExpired :many
DELETE FROM producers
WHERE updated_at < $1::timestamptz
RETURNING uuid, name, node, queue, meta, updated_at
`

// ProducerDeleteExpired deletes producer rows whose heartbeat is older than
// the liveness horizon and returns the deleted rows, so the caller (leader
// cleanup) knows which producers to treat as gone before rescuing their
// orphaned jobs (spec §4.7 "Cleanup (leader only)").
func (q *Queries) ProducerDeleteExpired(ctx context.Context, db DBTX, horizon time.Time) ([]*Producer, error) {
	rows, err := db.Query(ctx, producerDeleteExpired, horizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Producer
	for rows.Next() {
		var p Producer
		if err := rows.Scan(&p.UUID, &p.Name, &p.Node, &p.Queue, &p.Meta, &p.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

const producerListLive = `-- name: ProducerListLive :many
SELECT uuid, name, node, queue, meta, updated_at
FROM producers
WHERE updated_at >= $1::timestamptz
`

// ProducerListLive returns every producer row still within the liveness
// horizon. Its caller is Query.ListLiveProducers; the orphan rescue does
// not use it (JobRescueOrphans checks producers with its own NOT EXISTS).
func (q *Queries) ProducerListLive(ctx context.Context, db DBTX, horizon time.Time) ([]*Producer, error) {
	rows, err := db.Query(ctx, producerListLive, horizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Producer
	for rows.Next() {
		var p Producer
		if err := rows.Scan(&p.UUID, &p.Name, &p.Node, &p.Queue, &p.Meta, &p.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

func scanProducer(row interface{ Scan(dest ...any) error }) (*Producer, error) {
	var p Producer
	if err := row.Scan(&p.UUID, &p.Name, &p.Node, &p.Queue, &p.Meta, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
