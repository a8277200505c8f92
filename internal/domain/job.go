// Package domain defines the persistence models for the publishing engine.
// These types are mapped with GORM and form the core data layer of the
// scheduler backend.
package domain

import "time"

// JobStatus is the lifecycle state of a PublishJob.
type JobStatus string

// PublishJob lifecycle states. Published, Failed, and Cancelled are terminal;
// no automatic transition ever leaves them.
const (
	StatusScheduled  JobStatus = "scheduled"
	StatusPublishing JobStatus = "publishing"
	StatusRetrying   JobStatus = "retrying"
	StatusPublished  JobStatus = "published"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further automatic transition.
func (s JobStatus) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// Platform identifies a supported destination network. The set is closed:
// adding a platform means adding a publisher variant, not a runtime plugin.
type Platform string

const (
	PlatformX         Platform = "x"         // short-form text
	PlatformLinkedIn  Platform = "linkedin"  // professional network
	PlatformInstagram Platform = "instagram" // image network
	PlatformTikTok    Platform = "tiktok"    // short-form video
	PlatformReddit    Platform = "reddit"    // forum
	PlatformFacebook  Platform = "facebook"  // broadcast network
	PlatformThreads   Platform = "threads"   // micro-blog
)

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{
		PlatformX, PlatformLinkedIn, PlatformInstagram, PlatformTikTok,
		PlatformReddit, PlatformFacebook, PlatformThreads,
	}
}

// Valid reports whether p names a supported platform.
func (p Platform) Valid() bool {
	for _, known := range Platforms() {
		if p == known {
			return true
		}
	}
	return false
}

// PublishJob represents one scheduled publication of a content piece to a
// single destination account. Jobs are never deleted; they only move between
// statuses, so the table doubles as a publish audit trail.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - TenantID: owning tenant; indexed for dashboard listings.
//   - ContentPieceID / DestinationAccountID: references into collaborator
//     systems (content store, connected-accounts store); opaque here.
//   - Platform: destination network, denormalized from the account at
//     schedule time so the dispatcher never needs the account row to route.
//   - Status: lifecycle state, see JobStatus.
//   - ScheduledAt: the effective next-eligible time. Retry backoff rewrites
//     this field; the original user-requested time is not preserved once the
//     job starts retrying.
//   - AttemptCount: number of dispatch attempts claimed so far. Incremented
//     atomically as part of the claim, never afterwards.
//   - MaxAttempts: ceiling after which a retryable failure becomes terminal.
//   - IdempotencyKey: generated once at creation, constant across retries.
//     Unique per destination account; it is the de-duplication token handed
//     to the platform adapter on every attempt.
//   - PlatformPostID / PlatformURL: set only on successful publication.
//   - ErrorMessage: last failure reason, set on Retrying and Failed.
type PublishJob struct {
	ID                   string     `json:"id"                     gorm:"type:char(36);primaryKey"`
	TenantID             string     `json:"tenant_id"              gorm:"type:varchar(64);not null;index:idx_tenant_jobs"`
	ContentPieceID       string     `json:"content_piece_id"       gorm:"type:char(36);not null"`
	DestinationAccountID string     `json:"destination_account_id" gorm:"type:char(36);not null;uniqueIndex:ux_account_idem,priority:1"`
	Platform             Platform   `json:"platform"               gorm:"type:varchar(32);not null"`
	Status               JobStatus  `json:"status"                 gorm:"type:varchar(16);not null;index:idx_due,priority:1"`
	ScheduledAt          time.Time  `json:"scheduled_at"           gorm:"not null;index:idx_due,priority:2"`
	PublishedAt          *time.Time `json:"published_at,omitempty"`
	AttemptCount         int        `json:"attempt_count"          gorm:"not null;default:0"`
	MaxAttempts          int        `json:"max_attempts"           gorm:"not null;default:5"`
	LastAttemptAt        *time.Time `json:"last_attempt_at,omitempty"`
	IdempotencyKey       string     `json:"idempotency_key"        gorm:"type:char(36);not null;uniqueIndex:ux_account_idem,priority:2"`
	PlatformPostID       *string    `json:"platform_post_id,omitempty" gorm:"type:varchar(128)"`
	PlatformURL          *string    `json:"platform_url,omitempty"     gorm:"type:varchar(512)"`
	ErrorMessage         *string    `json:"error_message,omitempty"    gorm:"type:text"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TableName returns the database table name for PublishJob.
func (PublishJob) TableName() string { return "publish_jobs" }
