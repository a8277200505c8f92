package domain

// Read-only snapshots of collaborator-owned data. The content store and the
// connected-accounts store are populated out of band (content pipeline,
// OAuth connect flows); the publishing engine only reads these shapes.

// ContentPiece is the rendered form of a content piece: final body text,
// hashtags, and resolved media URLs. Keyed by the ID the scheduling call
// referenced.
type ContentPiece struct {
	ID        string   `json:"id"         gorm:"type:char(36);primaryKey"`
	Body      string   `json:"body"       gorm:"type:text;not null"`
	Hashtags  []string `json:"hashtags,omitempty"   gorm:"serializer:json"`
	MediaURLs []string `json:"media_urls,omitempty" gorm:"serializer:json"`
}

// TableName returns the database table name for ContentPiece.
func (ContentPiece) TableName() string { return "content_pieces" }

// ConnectedAccount is a tenant's linked destination account on one platform.
// Valid flips to false when the platform-side authorization is revoked;
// invalid accounts are rejected at schedule time and fail permanently at
// dispatch time.
type ConnectedAccount struct {
	ID          string   `json:"id"          gorm:"type:char(36);primaryKey"`
	TenantID    string   `json:"tenant_id"   gorm:"type:varchar(64);not null;index"`
	Platform    Platform `json:"platform"    gorm:"type:varchar(32);not null"`
	ExternalID  string   `json:"external_id" gorm:"type:varchar(128);not null"`
	AccessToken string   `json:"-"           gorm:"type:varchar(512)"`
	Valid       bool     `json:"valid"       gorm:"not null;default:true"`
}

// TableName returns the database table name for ConnectedAccount.
func (ConnectedAccount) TableName() string { return "connected_accounts" }
