// Package queuepg implements cmdbus.Queue and cmdbus.Notifier against
// PostgreSQL's pgmq extension, the way sql.Puller implements gqs.Puller
// against a plain jobs table: every operation is one round trip through
// bun, either to a pgmq.* SQL function or, for Notify/Listen, to
// LISTEN/NOTIFY.
//
// pgmq stores a message body as jsonb, not bytea, so Client wraps the
// caller's raw bytes in a single-field envelope ({"body": "<base64>"})
// on the way in and unwraps it on the way out. This keeps command and
// reply payloads opaque to the queue layer exactly as they are to
// sqlstore's payload_archive table.
package queuepg

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/internal/dbctx"
)

// Client implements cmdbus.Queue over pgmq.
type Client struct {
	db *bun.DB
}

// NewClient wraps db.
func NewClient(db *bun.DB) *Client {
	return &Client{db: db}
}

type envelope struct {
	Body string `json:"body"`
}

func encode(body []byte) string {
	raw, _ := json.Marshal(envelope{Body: base64.StdEncoding.EncodeToString(body)})
	return string(raw)
}

func decode(raw []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("queuepg: decode message envelope: %w", err)
	}
	return base64.StdEncoding.DecodeString(env.Body)
}

// Send implements cmdbus.Queue.Send via pgmq.send.
func (c *Client) Send(ctx context.Context, queue string, body []byte) (int64, error) {
	ex := dbctx.FromDB(ctx, c.db)
	var msgID int64
	err := ex.NewSelect().
		ColumnExpr("pgmq.send(?, ?::jsonb)", queue, encode(body)).
		Scan(ctx, &msgID)
	if err != nil {
		return 0, fmt.Errorf("queuepg: send to %s: %w", queue, err)
	}
	return msgID, nil
}

// pgmqMessage mirrors a row of pgmq.read's returned record type.
type pgmqMessage struct {
	MsgID      int64           `bun:"msg_id"`
	ReadCt     int             `bun:"read_ct"`
	EnqueuedAt time.Time       `bun:"enqueued_at"`
	VT         time.Time       `bun:"vt"`
	Message    json.RawMessage `bun:"message"`
}

// Read implements cmdbus.Queue.Read via pgmq.read.
func (c *Client) Read(ctx context.Context, queue string, visibilityTimeout time.Duration, batchSize int) ([]cmdbus.QueueMessage, error) {
	ex := dbctx.FromDB(ctx, c.db)
	var rows []pgmqMessage
	err := ex.NewSelect().
		TableExpr("pgmq.read(?, ?, ?) AS r", queue, int(visibilityTimeout.Seconds()), batchSize).
		ColumnExpr("r.msg_id, r.read_ct, r.enqueued_at, r.vt, r.message").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("queuepg: read from %s: %w", queue, err)
	}
	out := make([]cmdbus.QueueMessage, 0, len(rows))
	for _, row := range rows {
		body, err := decode(row.Message)
		if err != nil {
			return nil, err
		}
		out = append(out, cmdbus.QueueMessage{
			ID:         row.MsgID,
			ReadCount:  row.ReadCt,
			EnqueuedAt: row.EnqueuedAt,
			Body:       body,
		})
	}
	return out, nil
}

// Delete implements cmdbus.Queue.Delete via pgmq.delete.
func (c *Client) Delete(ctx context.Context, queue string, msgID int64) error {
	ex := dbctx.FromDB(ctx, c.db)
	var ok bool
	err := ex.NewSelect().
		ColumnExpr("pgmq.delete(?, ?::bigint)", queue, msgID).
		Scan(ctx, &ok)
	if err != nil {
		return fmt.Errorf("queuepg: delete %d from %s: %w", msgID, queue, err)
	}
	if !ok {
		return cmdbus.ErrMessageNotFound
	}
	return nil
}

// Archive implements cmdbus.Queue.Archive via pgmq.archive.
func (c *Client) Archive(ctx context.Context, queue string, msgID int64) error {
	ex := dbctx.FromDB(ctx, c.db)
	var ok bool
	err := ex.NewSelect().
		ColumnExpr("pgmq.archive(?, ?::bigint)", queue, msgID).
		Scan(ctx, &ok)
	if err != nil {
		return fmt.Errorf("queuepg: archive %d from %s: %w", msgID, queue, err)
	}
	if !ok {
		return cmdbus.ErrMessageNotFound
	}
	return nil
}

// SetVisibility implements cmdbus.Queue.SetVisibility via pgmq.set_vt.
// delay is relative to now, matching the Worker's backoff usage; pgmq's
// own vt_offset argument has the same meaning.
func (c *Client) SetVisibility(ctx context.Context, queue string, msgID int64, delay time.Duration) error {
	ex := dbctx.FromDB(ctx, c.db)
	var rows []pgmqMessage
	err := ex.NewSelect().
		TableExpr("pgmq.set_vt(?, ?::bigint, ?) AS r", queue, msgID, int(delay.Seconds())).
		ColumnExpr("r.msg_id").
		Scan(ctx, &rows)
	if err != nil {
		return fmt.Errorf("queuepg: set_vt %d on %s: %w", msgID, queue, err)
	}
	if len(rows) == 0 {
		return cmdbus.ErrMessageNotFound
	}
	return nil
}

// Create implements cmdbus.Queue.Create via pgmq.create, which is
// already idempotent (IF NOT EXISTS) on the extension's side.
func (c *Client) Create(ctx context.Context, queue string) error {
	ex := dbctx.FromDB(ctx, c.db)
	_, err := ex.NewSelect().ColumnExpr("pgmq.create(?)", queue).Exec(ctx)
	if err != nil {
		return fmt.Errorf("queuepg: create %s: %w", queue, err)
	}
	return nil
}

// Drop implements cmdbus.Queue.Drop via pgmq.drop_queue.
func (c *Client) Drop(ctx context.Context, queue string) error {
	ex := dbctx.FromDB(ctx, c.db)
	_, err := ex.NewSelect().ColumnExpr("pgmq.drop_queue(?)", queue).Exec(ctx)
	if err != nil {
		return fmt.Errorf("queuepg: drop %s: %w", queue, err)
	}
	return nil
}

// Notify implements cmdbus.Queue.Notify via a plain NOTIFY. pg_notify is
// used instead of a literal NOTIFY statement so channel and payload can
// be bound as parameters rather than interpolated into the SQL text.
func (c *Client) Notify(ctx context.Context, channel, payload string) error {
	ex := dbctx.FromDB(ctx, c.db)
	_, err := ex.ExecContext(ctx, "SELECT pg_notify(?, ?)", channel, payload)
	if err != nil {
		return fmt.Errorf("queuepg: notify %s: %w", channel, err)
	}
	return nil
}

