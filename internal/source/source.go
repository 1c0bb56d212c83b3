// Package source provides the daily content and the subscriber snapshot.
package source

import (
	"context"

	"github.com/foxzi/wadispatch/internal/model"
)

// ContentSource returns the day's approved content, nil when none exists
type ContentSource interface {
	GetApprovedContentForToday(ctx context.Context) (*model.Content, error)
}

// Directory returns the active recipients at call time
type Directory interface {
	GetActiveRecipients(ctx context.Context) ([]model.Recipient, error)
}

// Source is a backend serving both content and recipients
type Source interface {
	ContentSource
	Directory
	Close() error
}

// active reports whether a directory status counts as subscribed
func active(status string) bool {
	switch status {
	case "", "active", "ACTIVE":
		return true
	}
	return false
}
