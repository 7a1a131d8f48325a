package database

// Booking queries
const (
	EnsureBookingQuery = `
		INSERT OR IGNORE INTO bookings (id, status, updated_at)
		VALUES (?, 'pending', ?)
	`

	SelectBookingStatusQuery = `
		SELECT status FROM bookings WHERE id = ?
	`

	UpdateBookingStatusQuery = `
		UPDATE bookings SET status = ?, updated_at = ? WHERE id = ?
	`
)

// Message queries
const (
	InsertMessageQuery = `
		INSERT INTO messages (
			id, booking_id, sender_role, sender_id, body,
			is_system, client_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	SelectMessageByClientKeyQuery = `
		SELECT id, booking_id, sender_role, sender_id, body,
			   is_system, client_key, created_at
		FROM messages
		WHERE booking_id = ? AND client_key = ?
	`

	// Latest N rows, re-sorted ascending by the caller's scan order
	SelectRecentMessagesQuery = `
		SELECT id, booking_id, sender_role, sender_id, body,
			   is_system, client_key, created_at
		FROM (
			SELECT * FROM messages
			WHERE booking_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC
	`
)
