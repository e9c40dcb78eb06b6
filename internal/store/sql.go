package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

// sqlStore implements Store on database/sql. Queries are written with "?"
// placeholders and rebound for drivers that use "$n".
type sqlStore struct {
	db     *sql.DB
	name   string // backend name used in log messages
	dollar bool
}

func (s *sqlStore) bind(query string) string {
	if !s.dollar {
		return query
	}
	return rebindDollar(query)
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) UpsertInstance(ctx context.Context, name string) error {
	_, err := s.exec(ctx, `INSERT INTO instances (name, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO NOTHING`, name, string(models.SessionStatePending), time.Now())
	if err != nil {
		slog.Error(s.name+".UpsertInstance failed", "name", name, "error", err)
		return fmt.Errorf("failed to upsert instance %s: %w", name, err)
	}
	return nil
}

func (s *sqlStore) UpdateInstanceStatus(ctx context.Context, name string, state models.SessionState, phone, qr string) error {
	_, err := s.exec(ctx, `INSERT INTO instances (name, status, phone, qr_code, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			status = excluded.status,
			phone = COALESCE(excluded.phone, instances.phone),
			qr_code = excluded.qr_code,
			updated_at = excluded.updated_at`,
		name, string(state), nilIfEmpty(phone), nilIfEmpty(qr), time.Now())
	if err != nil {
		slog.Error(s.name+".UpdateInstanceStatus failed", "name", name, "status", state, "error", err)
		return fmt.Errorf("failed to update instance %s: %w", name, err)
	}
	slog.Debug(s.name+".UpdateInstanceStatus succeeded", "name", name, "status", state)
	return nil
}

func scanInstance(scan func(dest ...any) error) (models.SessionStatus, error) {
	var inst models.SessionStatus
	var state string
	var phone, qr, device sql.NullString
	if err := scan(&inst.Name, &state, &phone, &qr, &device, &inst.LastSeen); err != nil {
		return inst, err
	}
	inst.State = models.SessionState(state)
	inst.Phone = phone.String
	inst.QRCode = qr.String
	inst.DeviceJID = device.String
	return inst, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, name string) (models.SessionStatus, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT name, status, phone, qr_code, device_jid, updated_at FROM instances WHERE name = ?`), name)
	inst, err := scanInstance(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, fmt.Errorf("failed to get instance %s: %w", name, err)
	}
	return inst, nil
}

func (s *sqlStore) ListInstances(ctx context.Context) ([]models.SessionStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, status, phone, qr_code, device_jid, updated_at FROM instances ORDER BY name`)
	if err != nil {
		slog.Error(s.name+".ListInstances query failed", "error", err)
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []models.SessionStatus
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instance rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeleteInstance(ctx context.Context, name string) error {
	res, err := s.exec(ctx, `DELETE FROM instances WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetInstanceDevice(ctx context.Context, name, jid string) error {
	res, err := s.exec(ctx, `UPDATE instances SET device_jid = ?, updated_at = ? WHERE name = ?`, nilIfEmpty(jid), time.Now(), name)
	if err != nil {
		return fmt.Errorf("failed to set device for instance %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CreateCampaign(ctx context.Context, name string, total int) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.bind(`INSERT INTO campaigns (nombre, total, enviados, fallidos, created_at) VALUES (?, ?, 0, 0, ?) RETURNING id`),
		name, total, time.Now()).Scan(&id)
	if err != nil {
		slog.Error(s.name+".CreateCampaign failed", "name", name, "error", err)
		return 0, fmt.Errorf("failed to create campaign %s: %w", name, err)
	}
	slog.Debug(s.name+".CreateCampaign succeeded", "id", id, "total", total)
	return id, nil
}

func (s *sqlStore) AddCampaignLog(ctx context.Context, l models.CampaignLog) error {
	if l.Status == "" {
		l.Status = models.LogStatusPending
	}
	_, err := s.exec(ctx, `INSERT INTO campaign_logs (campaign_id, contact_id, instance_name, telefono, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, contact_id) DO UPDATE SET
			instance_name = excluded.instance_name,
			telefono = excluded.telefono,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		l.CampaignID, l.ContactID, l.Session, l.Phone, string(l.Status), time.Now())
	if err != nil {
		return fmt.Errorf("failed to add campaign log %d/%d: %w", l.CampaignID, l.ContactID, err)
	}
	return nil
}

func scanCampaign(scan func(dest ...any) error) (models.Campaign, error) {
	var c models.Campaign
	err := scan(&c.ID, &c.Name, &c.Total, &c.Sent, &c.Failed, &c.CreatedAt)
	return c, err
}

func (s *sqlStore) GetCampaign(ctx context.Context, id int64) (models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT id, nombre, total, enviados, fallidos, created_at FROM campaigns WHERE id = ?`), id)
	c, err := scanCampaign(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("failed to get campaign %d: %w", id, err)
	}
	return c, nil
}

func (s *sqlStore) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, nombre, total, enviados, fallidos, created_at FROM campaigns ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) CampaignStats(ctx context.Context, id int64) (models.CampaignStats, error) {
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return models.CampaignStats{}, err
	}
	var st models.CampaignStats
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		FROM campaign_logs WHERE campaign_id = ?`), id).Scan(&st.Total, &st.Sent, &st.Failed, &st.Pending)
	if err != nil {
		return st, fmt.Errorf("failed to compute stats for campaign %d: %w", id, err)
	}
	return st, nil
}

func (s *sqlStore) UpdateCampaignLog(ctx context.Context, campaignID, contactID int64, status models.LogStatus, detail string) error {
	if err := checkTerminal(status); err != nil {
		return err
	}
	_, err := s.exec(ctx, `UPDATE campaign_logs SET status = ?, error = ?, updated_at = ?
		WHERE campaign_id = ? AND contact_id = ?`,
		string(status), nilIfEmpty(detail), time.Now(), campaignID, contactID)
	if err != nil {
		slog.Error(s.name+".UpdateCampaignLog failed", "campaign", campaignID, "contact", contactID, "error", err)
		return fmt.Errorf("failed to update campaign log %d/%d: %w", campaignID, contactID, err)
	}
	return nil
}

func (s *sqlStore) IncrementCampaignCounter(ctx context.Context, campaignID int64, status models.LogStatus) error {
	if err := checkTerminal(status); err != nil {
		return err
	}
	col := counterColumn(status)
	_, err := s.exec(ctx, `UPDATE campaigns SET `+col+` = `+col+` + 1 WHERE id = ?`, campaignID)
	if err != nil {
		slog.Error(s.name+".IncrementCampaignCounter failed", "campaign", campaignID, "column", col, "error", err)
		return fmt.Errorf("failed to increment %s for campaign %d: %w", col, campaignID, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
