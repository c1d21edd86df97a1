package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation = "23505"

	constraintSingleCalled   = "queue_items_single_called"
	constraintPositionUnique = "queue_items_position_unique"
)

const queueColumns = `queue_id, establishment_id, name, description, estimated_minutes_per_customer, status,
	current_sequence, customers_waiting, customers_attended, customers_abandoned, created_at, updated_at`

const itemColumns = `item_id, queue_id, establishment_id, display_name, phone, email, notes, position, status,
	enqueued_at, called_at, completed_at, abandoned_at, wait_ms, service_ms`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateQueue(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	queueID := input.QueueID
	if queueID == "" {
		queueID = uuid.NewString()
	}
	minutes := input.EstimatedMinutesPerCustomer
	if minutes <= 0 {
		minutes = models.DefaultMinutesPerCustomer
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queues (queue_id, establishment_id, name, description, estimated_minutes_per_customer, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+queueColumns,
		queueID, input.EstablishmentID, input.Name, input.Description, minutes, models.QueueActive, createdAt)
	queue, err := scanQueue(row)
	if err != nil {
		return models.Queue{}, unavailable("create queue", err)
	}
	return queue, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1`, queueID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, fmt.Errorf("%w: queue %s", store.ErrNotFound, queueID)
		}
		return models.Queue{}, unavailable("get queue", err)
	}
	return queue, nil
}

func (s *Store) UpdateQueueStatus(ctx context.Context, queueID string, status models.QueueStatus, at time.Time) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queues SET status = $2, updated_at = $3
		WHERE queue_id = $1
		RETURNING `+queueColumns, queueID, status, at)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, fmt.Errorf("%w: queue %s", store.ErrNotFound, queueID)
		}
		return models.Queue{}, unavailable("update queue status", err)
	}
	return queue, nil
}

func (s *Store) FindActiveQueue(ctx context.Context, establishmentID string) (models.Queue, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE establishment_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, establishmentID, models.QueueActive)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, false, nil
		}
		return models.Queue{}, false, unavailable("find active queue", err)
	}
	return queue, true, nil
}

func (s *Store) ListQueues(ctx context.Context) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+queueColumns+` FROM queues ORDER BY created_at, queue_id`)
	if err != nil {
		return nil, unavailable("list queues", err)
	}
	defer rows.Close()
	var queues []models.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, unavailable("list queues", err)
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list queues", err)
	}
	return queues, nil
}

// NextPosition increments the queue's sequence in a single-row update, so
// concurrent callers serialize on the row lock.
func (s *Store) NextPosition(ctx context.Context, queueID string) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `
		UPDATE queues SET current_sequence = current_sequence + 1
		WHERE queue_id = $1
		RETURNING current_sequence
	`, queueID)
	if err := row.Scan(&next); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: queue %s", store.ErrNotFound, queueID)
		}
		return 0, unavailable("next position", err)
	}
	return next, nil
}

func (s *Store) Insert(ctx context.Context, item models.QueueItem) (models.QueueItem, error) {
	if item.Status != models.StatusWaiting {
		return models.QueueItem{}, fmt.Errorf("%w: insert requires waiting, got %s", store.ErrInvalidStatus, item.Status)
	}
	if item.ItemID == "" {
		item.ItemID = uuid.NewString()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueItem{}, unavailable("insert item", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// The queue row lock orders this insert against UpdateQueueStatus.
	var status models.QueueStatus
	err = tx.QueryRow(ctx, `SELECT status FROM queues WHERE queue_id = $1 FOR UPDATE`, item.QueueID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("%w: queue %s", store.ErrNotFound, item.QueueID)
			return models.QueueItem{}, err
		}
		return models.QueueItem{}, unavailable("insert item", err)
	}
	if status != models.QueueActive {
		err = fmt.Errorf("%w: queue %s is %s", store.ErrQueueNotActive, item.QueueID, status)
		return models.QueueItem{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE queues
		SET customers_waiting = customers_waiting + 1,
			current_sequence = GREATEST(current_sequence, $2),
			updated_at = $3
		WHERE queue_id = $1
	`, item.QueueID, item.Position, item.EnqueuedAt)
	if err != nil {
		return models.QueueItem{}, unavailable("insert item", err)
	}

	var contact models.Contact
	if item.Contact != nil {
		contact = *item.Contact
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_items (item_id, queue_id, establishment_id, display_name, phone, email, notes, position, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ItemID, item.QueueID, item.EstablishmentID, item.DisplayName, nullIfEmpty(contact.Phone), nullIfEmpty(contact.Email), nullIfEmpty(contact.Notes), item.Position, item.Status, item.EnqueuedAt)
	if err != nil {
		if isUniqueViolation(err, constraintPositionUnique) || isUniqueViolation(err, "queue_items_pkey") {
			err = fmt.Errorf("%w: position %d in queue %s", store.ErrDuplicatePosition, item.Position, item.QueueID)
			return models.QueueItem{}, err
		}
		return models.QueueItem{}, unavailable("insert item", err)
	}

	if err = insertItemEvent(ctx, tx, item, models.EventItemAdmitted, item.EnqueuedAt); err != nil {
		return models.QueueItem{}, unavailable("insert item event", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueItem{}, unavailable("insert item", err)
	}
	return item, nil
}

func (s *Store) GetItem(ctx context.Context, itemID string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE item_id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueItem{}, fmt.Errorf("%w: item %s", store.ErrNotFound, itemID)
		}
		return models.QueueItem{}, unavailable("get item", err)
	}
	return item, nil
}

func (s *Store) FindOldestWaiting(ctx context.Context, queueID string) (models.QueueItem, bool, error) {
	return s.findOne(ctx, "find oldest waiting", `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE queue_id = $1 AND status = $2
		ORDER BY position ASC
		LIMIT 1
	`, queueID, models.StatusWaiting)
}

func (s *Store) FindCalled(ctx context.Context, queueID string) (models.QueueItem, bool, error) {
	return s.findOne(ctx, "find called", `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE queue_id = $1 AND status = $2
		LIMIT 1
	`, queueID, models.StatusCalled)
}

func (s *Store) findOne(ctx context.Context, op, query string, args ...interface{}) (models.QueueItem, bool, error) {
	item, err := scanItem(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueItem{}, false, nil
		}
		return models.QueueItem{}, false, unavailable(op, err)
	}
	return item, true, nil
}

// Transition locks the item row, checks its status against input.From and
// writes the new state with counters and an audit event in one transaction.
// The partial unique index on called items turns a concurrent second call
// into ErrQueueBusy.
func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.QueueItem, error) {
	if !store.ValidTransition(input.From, input.To) {
		return models.QueueItem{}, fmt.Errorf("%w: %s -> %s", store.ErrInvalidStatus, input.From, input.To)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueItem{}, unavailable("transition", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE item_id = $1 FOR UPDATE`, input.ItemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("%w: item %s", store.ErrNotFound, input.ItemID)
			return models.QueueItem{}, err
		}
		return models.QueueItem{}, unavailable("transition", err)
	}
	if item.Status != input.From {
		err = fmt.Errorf("%w: item %s is %s, expected %s", store.ErrStaleTransition, item.ItemID, item.Status, input.From)
		return models.QueueItem{}, err
	}

	store.ApplyTransition(&item, input.To, input.At)
	_, err = tx.Exec(ctx, `
		UPDATE queue_items
		SET status = $2, called_at = $3, completed_at = $4, abandoned_at = $5, wait_ms = $6, service_ms = $7
		WHERE item_id = $1 AND status = $8
	`, item.ItemID, item.Status, item.CalledAt, item.CompletedAt, item.AbandonedAt, item.WaitMS, item.ServiceMS, input.From)
	if err != nil {
		if isUniqueViolation(err, constraintSingleCalled) {
			err = fmt.Errorf("%w: queue %s already has a called item", store.ErrQueueBusy, item.QueueID)
			return models.QueueItem{}, err
		}
		return models.QueueItem{}, unavailable("transition", err)
	}

	if _, err = tx.Exec(ctx, counterUpdate(input.To), item.QueueID, input.At); err != nil {
		return models.QueueItem{}, unavailable("transition counters", err)
	}
	if err = insertItemEvent(ctx, tx, item, eventType(input.To), input.At); err != nil {
		return models.QueueItem{}, unavailable("insert item event", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueItem{}, unavailable("transition", err)
	}
	return item, nil
}

func counterUpdate(to models.ItemStatus) string {
	switch to {
	case models.StatusCalled:
		return `UPDATE queues SET customers_waiting = customers_waiting - 1, updated_at = $2 WHERE queue_id = $1`
	case models.StatusCompleted:
		return `UPDATE queues SET customers_attended = customers_attended + 1, updated_at = $2 WHERE queue_id = $1`
	default:
		return `UPDATE queues SET customers_waiting = customers_waiting - 1, customers_abandoned = customers_abandoned + 1, updated_at = $2 WHERE queue_id = $1`
	}
}

func (s *Store) ListByStatus(ctx context.Context, queueID string, status models.ItemStatus) ([]models.QueueItem, error) {
	return s.listItems(ctx, "list by status", `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE queue_id = $1 AND status = $2
		ORDER BY position ASC
	`, queueID, status)
}

func (s *Store) ListActive(ctx context.Context, queueID string) ([]models.QueueItem, error) {
	return s.listItems(ctx, "list active", `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE queue_id = $1 AND status IN ($2, $3)
		ORDER BY position ASC
	`, queueID, models.StatusCalled, models.StatusWaiting)
}

func (s *Store) ListCompletedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error) {
	return s.listItems(ctx, "list completed", `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE queue_id = $1 AND status = $2 AND completed_at >= $3 AND completed_at < $4
		ORDER BY position ASC
	`, queueID, models.StatusCompleted, from, to)
}

func (s *Store) ListAbandonedBetween(ctx context.Context, queueID string, from, to time.Time) ([]models.QueueItem, error) {
	return s.listItems(ctx, "list abandoned", `
		SELECT `+itemColumns+`
		FROM queue_items
		WHERE queue_id = $1 AND status = $2 AND abandoned_at >= $3 AND abandoned_at < $4
		ORDER BY position ASC
	`, queueID, models.StatusAbandoned, from, to)
}

func (s *Store) listItems(ctx context.Context, op, query string, args ...interface{}) ([]models.QueueItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	items := make([]models.QueueItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return items, nil
}

func (s *Store) ListItemEvents(ctx context.Context, itemID string) ([]store.ItemEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, item_seq, type, payload, created_at, prev_hash, hash
		FROM item_events
		WHERE item_id = $1
		ORDER BY item_seq ASC
	`, itemID)
	if err != nil {
		return nil, unavailable("list item events", err)
	}
	defer rows.Close()
	var events []store.ItemEvent
	for rows.Next() {
		var event store.ItemEvent
		if err := rows.Scan(&event.ItemID, &event.ItemSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, unavailable("list item events", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list item events", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: item %s", store.ErrNotFound, itemID)
	}
	return events, nil
}

func insertItemEvent(ctx context.Context, tx pgx.Tx, item models.QueueItem, eventType string, at time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, item.ItemID); err != nil {
		return err
	}

	var prev *store.ItemEvent
	var last store.ItemEvent
	row := tx.QueryRow(ctx, `
		SELECT item_seq, hash
		FROM item_events
		WHERE item_id = $1
		ORDER BY item_seq DESC
		LIMIT 1
	`, item.ItemID)
	switch err := row.Scan(&last.ItemSeq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event, err := store.NextItemEvent(prev, item, eventType, at.UTC().Truncate(time.Microsecond))
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO item_events (item_id, item_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ItemID, event.ItemSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var queue models.Queue
	err := row.Scan(&queue.QueueID, &queue.EstablishmentID, &queue.Name, &queue.Description, &queue.EstimatedMinutesPerCustomer,
		&queue.Status, &queue.CurrentSequence, &queue.CustomersWaiting, &queue.CustomersAttended, &queue.CustomersAbandoned,
		&queue.CreatedAt, &queue.UpdatedAt)
	return queue, err
}

func scanItem(row pgx.Row) (models.QueueItem, error) {
	var item models.QueueItem
	var phone, email, notes sql.NullString
	var calledAt, completedAt, abandonedAt sql.NullTime
	var waitMS, serviceMS sql.NullInt64
	err := row.Scan(&item.ItemID, &item.QueueID, &item.EstablishmentID, &item.DisplayName, &phone, &email, &notes,
		&item.Position, &item.Status, &item.EnqueuedAt, &calledAt, &completedAt, &abandonedAt, &waitMS, &serviceMS)
	if err != nil {
		return models.QueueItem{}, err
	}
	contact := models.Contact{Phone: phone.String, Email: email.String, Notes: notes.String}
	if !contact.IsZero() {
		item.Contact = &contact
	}
	item.CalledAt = nullTimePtr(calledAt)
	item.CompletedAt = nullTimePtr(completedAt)
	item.AbandonedAt = nullTimePtr(abandonedAt)
	item.WaitMS = nullInt64Ptr(waitMS)
	item.ServiceMS = nullInt64Ptr(serviceMS)
	return item, nil
}

func eventType(to models.ItemStatus) string {
	switch to {
	case models.StatusCalled:
		return models.EventItemCalled
	case models.StatusCompleted:
		return models.EventItemCompleted
	case models.StatusAbandoned:
		return models.EventItemAbandoned
	}
	return string(to)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullInt64Ptr(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	return &value.Int64
}
