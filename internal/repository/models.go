package repository

import "time"

// Registry status values derived from a QRCode row.
const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusDisabled = "disabled"
)

// MinExpirationMinutes is the shortest validity window once validated.
const MinExpirationMinutes = 15

// QRCode is a registered animation identified by its fingerprint.
type QRCode struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	AnimationHash     string     `gorm:"column:animation_hash;uniqueIndex;size:64;not null" json:"animation_hash"`
	Nickname          string     `gorm:"column:nickname;size:128" json:"nickname"`
	Sequence          string     `gorm:"column:sequence;type:text" json:"sequence"`
	Active            bool       `gorm:"column:active;not null" json:"active"`
	ExpirationMinutes int        `gorm:"column:expiration_minutes;not null" json:"expiration_minutes"`
	ExpiresAt         *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	LastValidatedAt   *time.Time `gorm:"column:last_validated_at" json:"last_validated_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (QRCode) TableName() string {
	return "qr_codes"
}

// Status reports the registry state of the code at now.
func (q *QRCode) Status(now time.Time) string {
	switch {
	case !q.Active:
		return StatusDisabled
	case q.ExpiresAt == nil:
		return StatusPending
	case now.After(*q.ExpiresAt):
		return StatusExpired
	default:
		return StatusActive
	}
}

// Usable reports whether a validation at now may succeed.
func (q *QRCode) Usable(now time.Time) bool {
	s := q.Status(now)
	return s == StatusPending || s == StatusActive
}

// MarkValidated records a validation at now. The expiration timer starts on
// the first validation and is not extended by later ones.
func (q *QRCode) MarkValidated(now time.Time) {
	if q.ExpiresAt == nil {
		expires := now.Add(time.Duration(q.ExpirationMinutes) * time.Minute)
		q.ExpiresAt = &expires
	}
	validated := now
	q.LastValidatedAt = &validated
}

// SetExpiration changes the validity window. A running timer restarts from now.
func (q *QRCode) SetExpiration(minutes int, now time.Time) {
	q.ExpirationMinutes = minutes
	if q.ExpiresAt != nil {
		expires := now.Add(time.Duration(minutes) * time.Minute)
		q.ExpiresAt = &expires
	}
}

// MinutesLeft is the remaining validity, or zero when pending or expired.
func (q *QRCode) MinutesLeft(now time.Time) int {
	if q.ExpiresAt == nil || now.After(*q.ExpiresAt) {
		return 0
	}
	return int(q.ExpiresAt.Sub(now) / time.Minute)
}

// VerificationAttempt is the audit record of one pipeline run or hash check.
type VerificationAttempt struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	Kind          string    `gorm:"column:kind;size:16" json:"kind"`
	AnimationHash string    `gorm:"column:animation_hash;index;size:64" json:"animation_hash"`
	Sequence      string    `gorm:"column:sequence;type:text" json:"sequence"`
	FrameCount    int       `gorm:"column:frame_count" json:"frame_count"`
	Valid         bool      `gorm:"column:valid" json:"valid"`
	Message       string    `gorm:"column:message;type:text" json:"message"`
	LatencyMs     int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (VerificationAttempt) TableName() string {
	return "verification_attempts"
}

// Attempt kinds.
const (
	AttemptUpload = "upload"
	AttemptFrames = "frames"
	AttemptHash   = "hash"
)

// MetricsAggregation holds raw aggregates over attempts and the registry.
type MetricsAggregation struct {
	TotalCount       int64
	ValidCount       int64
	AverageLatencyMs float64
	RegisteredCodes  int64
	ActiveCodes      int64
}
