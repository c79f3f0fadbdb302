package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/receiptio/receiptd/internal/common"
	"github.com/receiptio/receiptd/internal/entity"
	"github.com/receiptio/receiptd/internal/extract"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// UpdateFieldsRequest carries a hand-edit of a receipt. Nil field pointers
// leave the column untouched; a non-nil Items slice wholesale-replaces the
// item list.
type UpdateFieldsRequest struct {
	StoreName    *string
	PurchaseDate *time.Time
	TotalAmount  *float64
	Items        []entity.LineItem
}

type ReceiptRepository interface {
	CreatePlaceholder(ctx context.Context, imageRef string) (*entity.Receipt, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	ListReceipts(ctx context.Context, fromDate, toDate *time.Time) ([]*entity.Receipt, error)
	ApplyExtraction(ctx context.Context, id uuid.UUID, data extract.ExtractedData) error
	UpdateFields(ctx context.Context, id uuid.UUID, req UpdateFieldsRequest) (*entity.Receipt, error)
}

type receiptRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewReceiptRepository(pool *pgxpool.Pool, logger *slog.Logger) ReceiptRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &receiptRepository{pool: pool, logger: logger}
}

// CreatePlaceholder inserts a receipt with all extracted fields absent and
// no items, to be enriched by the worker after recognition.
func (r *receiptRepository) CreatePlaceholder(ctx context.Context, imageRef string) (*entity.Receipt, error) {
	id := uuid.New()
	now := time.Now().UTC()

	query, args, err := psql.Insert("receipts").
		Columns("id", "image_ref", "created_at", "updated_at").
		Values(id, imageRef, now, now).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		r.logger.Error("failed to create placeholder receipt", "image_ref", imageRef, "error", err)
		return nil, err
	}

	return &entity.Receipt{
		ID:        id,
		ImageRef:  imageRef,
		Items:     []entity.LineItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *receiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	query, args, err := psql.Select("id", "store_name", "purchase_date", "total_amount", "image_ref", "created_at", "updated_at").
		From("receipts").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rec entity.Receipt
	err = r.pool.QueryRow(ctx, query, args...).Scan(
		&rec.ID, &rec.StoreName, &rec.PurchaseDate, &rec.TotalAmount,
		&rec.ImageRef, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to load receipt", "receipt_id", id, "error", err)
		return nil, err
	}

	items, err := r.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Items = items
	return &rec, nil
}

func (r *receiptRepository) ListReceipts(ctx context.Context, fromDate, toDate *time.Time) ([]*entity.Receipt, error) {
	q := psql.Select("id", "store_name", "purchase_date", "total_amount", "image_ref", "created_at", "updated_at").
		From("receipts").
		OrderBy("created_at DESC")
	if fromDate != nil {
		q = q.Where(sq.GtOrEq{"purchase_date": *fromDate})
	}
	if toDate != nil {
		q = q.Where(sq.LtOrEq{"purchase_date": *toDate})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to list receipts", "error", err)
		return nil, err
	}
	defer rows.Close()

	var result []*entity.Receipt
	for rows.Next() {
		var rec entity.Receipt
		if err := rows.Scan(
			&rec.ID, &rec.StoreName, &rec.PurchaseDate, &rec.TotalAmount,
			&rec.ImageRef, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.Items = []entity.LineItem{}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

// ApplyExtraction replaces the placeholder's extracted fields and
// wholesale-replaces its item list from a completed recognition job.
func (r *receiptRepository) ApplyExtraction(ctx context.Context, id uuid.UUID, data extract.ExtractedData) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query, args, err := psql.Update("receipts").
		Set("store_name", data.StoreName).
		Set("purchase_date", data.PurchaseDate).
		Set("total_amount", data.TotalAmount).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	ct, err := tx.Exec(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to update receipt fields", "receipt_id", id, "error", err)
		return err
	}
	if ct.RowsAffected() == 0 {
		return common.ErrNotFound
	}

	if err := r.replaceItems(ctx, tx, id, data.Items); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.Info("receipt enriched", "receipt_id", id, "items", len(data.Items))
	return nil
}

// UpdateFields applies a hand-edit and returns the updated receipt.
func (r *receiptRepository) UpdateFields(ctx context.Context, id uuid.UUID, req UpdateFieldsRequest) (*entity.Receipt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	q := psql.Update("receipts").
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	if req.StoreName != nil {
		q = q.Set("store_name", *req.StoreName)
	}
	if req.PurchaseDate != nil {
		q = q.Set("purchase_date", *req.PurchaseDate)
	}
	if req.TotalAmount != nil {
		q = q.Set("total_amount", *req.TotalAmount)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	ct, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, common.ErrNotFound
	}

	if req.Items != nil {
		if err := r.replaceItems(ctx, tx, id, req.Items); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// replaceItems is delete-then-recreate, never a merge.
func (r *receiptRepository) replaceItems(ctx context.Context, tx pgx.Tx, id uuid.UUID, items []entity.LineItem) error {
	query, args, err := psql.Delete("receipt_items").Where(sq.Eq{"receipt_id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return err
	}

	if len(items) == 0 {
		return nil
	}
	ins := psql.Insert("receipt_items").Columns("receipt_id", "position", "name", "quantity", "price")
	for i, item := range items {
		ins = ins.Values(id, i, item.Name, item.Quantity, item.Price)
	}
	query, args, err = ins.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, query, args...)
	return err
}

func (r *receiptRepository) loadItems(ctx context.Context, id uuid.UUID) ([]entity.LineItem, error) {
	query, args, err := psql.Select("name", "quantity", "price").
		From("receipt_items").
		Where(sq.Eq{"receipt_id": id}).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []entity.LineItem{}
	for rows.Next() {
		var item entity.LineItem
		if err := rows.Scan(&item.Name, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
