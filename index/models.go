package index

import "time"

// Notification mirrors the notifications table, written through gorm by
// Store.CreateNotification while the high-volume commit-processor writes
// (posts/likes/reposts/...) go through pgx directly for latency. This
// package has no notification read queries.
type Notification struct {
	ID int64 `gorm:"primaryKey"`
	// ExternalID is a uuid minted at creation, independent of the
	// sequential ID above, for clients that page or reference a
	// notification without leaking how many have been created overall.
	ExternalID   string `gorm:"uniqueIndex"`
	RecipientDID string
	AuthorDID    string
	Reason       string
	SubjectURI   string
	CreatedAt    time.Time
	ReadAt       *time.Time
}

func (Notification) TableName() string { return "notifications" }

// Label mirrors the labels table.
type Label struct {
	ID         int64 `gorm:"primaryKey"`
	SrcDID     string
	SubjectURI string
	SubjectCID string
	Val        string
	Neg        bool
	CreatedAt  time.Time
}

func (Label) TableName() string { return "labels" }
