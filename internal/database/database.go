package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	apperrors "guardlink/internal/errors"
	"guardlink/internal/migrations"
	"guardlink/internal/models"
	"guardlink/internal/security"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const dsnOptions = "?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// Database persists bookings and their chat messages for the reference server
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	closeWith := func(err error, msg string) error {
		if closeErr := db.Close(); closeErr != nil {
			return fmt.Errorf("%s: %w (close error: %v)", msg, err, closeErr)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(err, "failed to ping database")
	}

	if _, err := migrations.Apply(context.Background(), db); err != nil {
		return nil, closeWith(err, "failed to initialize schema")
	}

	enc, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(err, "failed to initialize encryptor")
	}

	return &Database{db: db, encryptor: enc, now: time.Now}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database still answers
func (d *Database) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return apperrors.NewDatabaseError("ping", err)
	}
	return nil
}

// CreateMessage persists msg. When msg carries an idempotency key that was
// already stored for the booking, the existing row is returned and created
// is false.
func (d *Database) CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	if err := validateNewMessage(msg); err != nil {
		return models.Message{}, false, err
	}

	var (
		result  models.Message
		created bool
	)
	err := retryableDBOperation(ctx, func() error {
		var err error
		result, created, err = d.createMessageTx(ctx, msg)
		return err
	}, "create message")
	if err != nil {
		if isUniqueViolation(err) && msg.IdempotencyKey != "" {
			// lost an insert race against the same key
			existing, found, findErr := d.findByClientKey(ctx, msg.BookingID, msg.IdempotencyKey)
			if findErr == nil && found {
				return existing, false, nil
			}
		}
		return models.Message{}, false, apperrors.NewDatabaseError("create message", err)
	}
	return result, created, nil
}

func (d *Database) createMessageTx(ctx context.Context, msg models.NewMessage) (models.Message, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := d.now().UTC()
	if _, err := tx.ExecContext(ctx, EnsureBookingQuery, msg.BookingID, now.UnixNano()); err != nil {
		return models.Message{}, false, err
	}

	if msg.IdempotencyKey != "" {
		existing, found, err := d.scanOne(tx.QueryRowContext(ctx, SelectMessageByClientKeyQuery, msg.BookingID, msg.IdempotencyKey))
		if err != nil {
			return models.Message{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}

	sealed, err := d.encryptor.Encrypt(msg.Body)
	if err != nil {
		return models.Message{}, false, err
	}

	stored := models.Message{
		ID:              uuid.NewString(),
		BookingID:       msg.BookingID,
		SenderRole:      msg.SenderRole,
		SenderID:        msg.SenderID,
		Body:            msg.Body,
		CreatedAt:       now,
		DeliveryState:   models.DeliveryStateSent,
		IsSystemMessage: msg.SenderRole == models.SenderRoleSystem,
		ClientKey:       msg.IdempotencyKey,
	}

	_, err = tx.ExecContext(ctx, InsertMessageQuery,
		stored.ID,
		stored.BookingID,
		string(stored.SenderRole),
		stored.SenderID,
		sealed,
		stored.IsSystemMessage,
		nullString(stored.ClientKey),
		now.UnixNano(),
	)
	if err != nil {
		return models.Message{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.Message{}, false, err
	}
	return stored, true, nil
}

// ListMessages returns the latest limit messages of a booking in chat order
func (d *Database) ListMessages(ctx context.Context, bookingID string, limit int) ([]models.Message, error) {
	if bookingID == "" {
		return nil, apperrors.NewValidationError("bookingId", "must not be empty")
	}
	if limit <= 0 {
		return nil, apperrors.NewValidationError("limit", "must be positive")
	}

	var out []models.Message
	err := retryableDBOperation(ctx, func() error {
		rows, err := d.db.QueryContext(ctx, SelectRecentMessagesQuery, bookingID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			msg, err := d.scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, msg)
		}
		return rows.Err()
	}, "list messages")
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

// GetBookingStatus returns the stored status, pending for an unknown booking
func (d *Database) GetBookingStatus(ctx context.Context, bookingID string) (models.BookingStatus, error) {
	if bookingID == "" {
		return "", apperrors.NewValidationError("bookingId", "must not be empty")
	}

	var raw string
	err := retryableDBOperation(ctx, func() error {
		return d.db.QueryRowContext(ctx, SelectBookingStatusQuery, bookingID).Scan(&raw)
	}, "get booking status")
	if errors.Is(err, sql.ErrNoRows) {
		return models.BookingStatusPending, nil
	}
	if err != nil {
		return "", apperrors.NewDatabaseError("get booking status", err)
	}

	status, err := models.ParseBookingStatus(raw)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "stored booking status is invalid")
	}
	return status, nil
}

// UpdateBookingStatus moves a booking to status. Writing the current status
// again is a no-op and reports changed as false.
func (d *Database) UpdateBookingStatus(ctx context.Context, bookingID string, status models.BookingStatus) (bool, error) {
	if bookingID == "" {
		return false, apperrors.NewValidationError("bookingId", "must not be empty")
	}
	if !status.Valid() {
		return false, apperrors.NewValidationError("status", fmt.Sprintf("unknown booking status %q", status))
	}

	var (
		changed  bool
		conflict error
	)
	err := retryableDBOperation(ctx, func() error {
		changed, conflict = false, nil

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := d.now().UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, EnsureBookingQuery, bookingID, now); err != nil {
			return err
		}

		var raw string
		if err := tx.QueryRowContext(ctx, SelectBookingStatusQuery, bookingID).Scan(&raw); err != nil {
			return err
		}
		current := models.BookingStatus(raw)
		if current == status {
			return nil
		}
		if !current.CanTransitionTo(status) {
			conflict = apperrors.NewConflictError(fmt.Sprintf("booking cannot move from %s to %s", current, status))
			return nil
		}

		if _, err := tx.ExecContext(ctx, UpdateBookingStatusQuery, string(status), now, bookingID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		changed = true
		return nil
	}, "update booking status")
	if err != nil {
		return false, apperrors.NewDatabaseError("update booking status", err)
	}
	if conflict != nil {
		return false, conflict
	}
	return changed, nil
}

func (d *Database) findByClientKey(ctx context.Context, bookingID, key string) (models.Message, bool, error) {
	return d.scanOne(d.db.QueryRowContext(ctx, SelectMessageByClientKeyQuery, bookingID, key))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Database) scanOne(row *sql.Row) (models.Message, bool, error) {
	msg, err := d.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

func (d *Database) scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg       models.Message
		role      string
		sealed    string
		clientKey sql.NullString
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.BookingID, &role, &msg.SenderID, &sealed,
		&msg.IsSystemMessage, &clientKey, &createdAt); err != nil {
		return models.Message{}, err
	}

	body, err := d.encryptor.Decrypt(sealed)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to decrypt message body: %w", err)
	}

	msg.SenderRole = models.SenderRole(role)
	msg.Body = body
	msg.ClientKey = clientKey.String
	msg.CreatedAt = time.Unix(0, createdAt).UTC()
	msg.DeliveryState = models.DeliveryStateSent
	return msg, nil
}

func validateNewMessage(msg models.NewMessage) error {
	if msg.BookingID == "" {
		return apperrors.NewValidationError("bookingId", "must not be empty")
	}
	if !msg.SenderRole.Valid() {
		return apperrors.NewValidationError("senderRole", fmt.Sprintf("unknown sender role %q", msg.SenderRole))
	}
	if msg.SenderID == "" {
		return apperrors.NewValidationError("senderId", "must not be empty")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return apperrors.NewValidationError("body", "must not be empty")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
