// Package store provides storage backends for PacePipe.
//
// It records session instances, campaigns and per-contact campaign logs. The
// work queue itself is never persisted; see package queue.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned for a log status that is not terminal.
var ErrInvalidStatus = errors.New("campaign log status must be sent or failed")

// CampaignLogger records terminal outcomes of campaign work items.
type CampaignLogger interface {
	// UpdateCampaignLog sets the status (and error detail) of one contact's row.
	UpdateCampaignLog(ctx context.Context, campaignID, contactID int64, status models.LogStatus, detail string) error
	// IncrementCampaignCounter bumps the campaign's sent or failed counter.
	IncrementCampaignCounter(ctx context.Context, campaignID int64, status models.LogStatus) error
}

// InstanceRepo persists the registry of named sessions.
type InstanceRepo interface {
	UpsertInstance(ctx context.Context, name string) error
	UpdateInstanceStatus(ctx context.Context, name string, state models.SessionState, phone, qr string) error
	GetInstance(ctx context.Context, name string) (models.SessionStatus, error)
	ListInstances(ctx context.Context) ([]models.SessionStatus, error)
	DeleteInstance(ctx context.Context, name string) error
	// SetInstanceDevice records (or, with "", clears) the paired device JID.
	SetInstanceDevice(ctx context.Context, name, jid string) error
}

// CampaignRepo creates campaigns and reports on them.
type CampaignRepo interface {
	CreateCampaign(ctx context.Context, name string, total int) (int64, error)
	AddCampaignLog(ctx context.Context, log models.CampaignLog) error
	GetCampaign(ctx context.Context, id int64) (models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	CampaignStats(ctx context.Context, id int64) (models.CampaignStats, error)
}

// Store is implemented by every backend.
type Store interface {
	CampaignLogger
	InstanceRepo
	CampaignRepo
	Close() error
}

// Opts holds configuration options for the database backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for
// URLs and key=value connection strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") || strings.Contains(dsn, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the backend for dsn. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

func checkTerminal(status models.LogStatus) error {
	if status != models.LogStatusSent && status != models.LogStatusFailed {
		return ErrInvalidStatus
	}
	return nil
}

// counterColumn maps a terminal status to its campaigns column.
func counterColumn(status models.LogStatus) string {
	if status == models.LogStatusSent {
		return "enviados"
	}
	return "fallidos"
}
