package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-booking/internal/booking"
)

// BookingRepo stores bookings in MySQL.  A booking spans the bookings
// table and one booking_seats row per seat.  All timestamps are UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a BookingRepo bound to db.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

var _ booking.Store = (*BookingRepo)(nil)

const bookingColumns = `id, showtime_id, holder_id, status, total_amount,
	stripe_session_id, razorpay_order_id, razorpay_payment_id, cancel_reason,
	hold_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func scanBooking(row rowScanner) (*booking.Booking, error) {
	var (
		b                        booking.Booking
		status                   string
		stripeID, orderID, payID sql.NullString
		holdExpiresAt            sql.NullTime
		createdAt, updatedAt     time.Time
	)
	if err := row.Scan(
		&b.ID, &b.ShowtimeID, &b.HolderID, &status, &b.TotalAmount,
		&stripeID, &orderID, &payID, &b.CancelReason,
		&holdExpiresAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = booking.Status(status)
	b.StripeSessionID = nullable(stripeID)
	b.RazorpayOrderID = nullable(orderID)
	b.RazorpayPaymentID = nullable(payID)
	if holdExpiresAt.Valid {
		b.HoldExpiresAt = holdExpiresAt.Time.UTC()
	}
	b.CreatedAt = createdAt.UTC()
	b.UpdatedAt = updatedAt.UTC()
	return &b, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func loadSeats(ctx context.Context, q queryer, b *booking.Booking) error {
	const seatQ = `SELECT seat_id FROM booking_seats WHERE booking_id = ? ORDER BY position`
	rows, err := q.QueryContext(ctx, seatQ, b.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	b.SeatIDs = []string{}
	for rows.Next() {
		var seat string
		if err := rows.Scan(&seat); err != nil {
			return err
		}
		b.SeatIDs = append(b.SeatIDs, seat)
	}
	return rows.Err()
}

// Create inserts the booking row and its seats in one transaction.  An id
// or provider reference clash yields booking.ErrDuplicateBooking.
func (r *BookingRepo) Create(ctx context.Context, b *booking.Booking) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const q = `INSERT INTO bookings (` + bookingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, q,
		b.ID, b.ShowtimeID, b.HolderID, string(b.Status), b.TotalAmount,
		nullString(b.StripeSessionID), nullString(b.RazorpayOrderID), nullString(b.RazorpayPaymentID),
		b.CancelReason, nullTime(b.HoldExpiresAt), b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	); err != nil {
		return translate(err)
	}

	if len(b.SeatIDs) > 0 {
		query := `INSERT INTO booking_seats (booking_id, showtime_id, seat_id, position) VALUES `
		args := make([]interface{}, 0, len(b.SeatIDs)*4)
		for i, seat := range b.SeatIDs {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?)"
			args = append(args, b.ID, b.ShowtimeID, seat, i)
		}
		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return translate(err)
		}
	}
	return tx.Commit()
}

// Get returns the booking with id or booking.ErrBookingNotFound.
func (r *BookingRepo) Get(ctx context.Context, id string) (*booking.Booking, error) {
	const q = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, translate(err)
	}
	if err := loadSeats(ctx, r.db, b); err != nil {
		return nil, err
	}
	return b, nil
}

// FindByCorrelation looks a booking up by its provider reference: the
// checkout session id for Stripe, the order id for Razorpay.
func (r *BookingRepo) FindByCorrelation(ctx context.Context, p booking.Provider, key string) (*booking.Booking, error) {
	var column string
	switch p {
	case booking.ProviderStripe:
		column = "stripe_session_id"
	case booking.ProviderRazorpay:
		column = "razorpay_order_id"
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
	if strings.TrimSpace(key) == "" {
		return nil, booking.ErrBookingNotFound
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + column + ` = ?`
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, key))
	if err != nil {
		return nil, translate(err)
	}
	if err := loadSeats(ctx, r.db, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Update locks the booking row with SELECT ... FOR UPDATE, so concurrent
// updates of the same booking run one after another across all instances
// sharing the database.
func (r *BookingRepo) Update(ctx context.Context, id string, fn func(b *booking.Booking) (bool, error)) (out *booking.Booking, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const sel = `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ? FOR UPDATE`
	current, err := scanBooking(tx.QueryRowContext(ctx, sel, id))
	if err != nil {
		return nil, translate(err)
	}
	if err = loadSeats(ctx, tx, current); err != nil {
		return nil, err
	}

	changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if changed {
		const upd = `UPDATE bookings SET status = ?, stripe_session_id = ?, razorpay_order_id = ?,
			razorpay_payment_id = ?, cancel_reason = ?, updated_at = ? WHERE id = ?`
		if _, err = tx.ExecContext(ctx, upd,
			string(current.Status), nullString(current.StripeSessionID), nullString(current.RazorpayOrderID),
			nullString(current.RazorpayPaymentID), current.CancelReason, current.UpdatedAt.UTC(), id,
		); err != nil {
			return nil, translate(err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

// PendingBefore lists PENDING booking ids created before cutoff.
func (r *BookingRepo) PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id FROM bookings WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, string(booking.StatusPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
