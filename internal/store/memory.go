package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PacePipe/internal/models"
)

type logKey struct {
	campaignID int64
	contactID  int64
}

// InMemoryStore keeps everything in process memory. It backs tests and runs
// without a configured database.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]models.SessionStatus
	campaigns map[int64]*models.Campaign
	logs      map[logKey]*models.CampaignLog
	logOrder  []logKey
	nextID    int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]models.SessionStatus),
		campaigns: make(map[int64]*models.Campaign),
		logs:      make(map[logKey]*models.CampaignLog),
	}
}

func (s *InMemoryStore) UpsertInstance(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[name]; !ok {
		s.instances[name] = models.SessionStatus{Name: name, State: models.SessionStatePending, LastSeen: time.Now()}
	}
	return nil
}

func (s *InMemoryStore) UpdateInstanceStatus(ctx context.Context, name string, state models.SessionState, phone, qr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		inst = models.SessionStatus{Name: name}
	}
	inst.State = state
	if phone != "" {
		inst.Phone = phone
	}
	inst.QRCode = qr
	inst.LastSeen = time.Now()
	s.instances[name] = inst
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, name string) (models.SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[name]
	if !ok {
		return models.SessionStatus{}, ErrNotFound
	}
	return inst, nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context) ([]models.SessionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionStatus, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b models.SessionStatus) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *InMemoryStore) DeleteInstance(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[name]; !ok {
		return ErrNotFound
	}
	delete(s.instances, name)
	return nil
}

func (s *InMemoryStore) SetInstanceDevice(ctx context.Context, name, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		return ErrNotFound
	}
	inst.DeviceJID = jid
	s.instances[name] = inst
	return nil
}

func (s *InMemoryStore) CreateCampaign(ctx context.Context, name string, total int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.campaigns[s.nextID] = &models.Campaign{ID: s.nextID, Name: name, Total: total, CreatedAt: time.Now()}
	return s.nextID, nil
}

func (s *InMemoryStore) AddCampaignLog(ctx context.Context, log models.CampaignLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[log.CampaignID]; !ok {
		return ErrNotFound
	}
	if log.Status == "" {
		log.Status = models.LogStatusPending
	}
	log.UpdatedAt = time.Now()
	key := logKey{log.CampaignID, log.ContactID}
	if _, ok := s.logs[key]; !ok {
		s.logOrder = append(s.logOrder, key)
	}
	s.logs[key] = &log
	return nil
}

func (s *InMemoryStore) GetCampaign(ctx context.Context, id int64) (models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return models.Campaign{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemoryStore) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, *c)
	}
	// newest first, like the SQL backends
	slices.SortFunc(out, func(a, b models.Campaign) int { return int(b.ID - a.ID) })
	return out, nil
}

func (s *InMemoryStore) CampaignStats(ctx context.Context, id int64) (models.CampaignStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.campaigns[id]; !ok {
		return models.CampaignStats{}, ErrNotFound
	}
	var st models.CampaignStats
	for _, key := range s.logOrder {
		if key.campaignID != id {
			continue
		}
		st.Total++
		switch s.logs[key].Status {
		case models.LogStatusSent:
			st.Sent++
		case models.LogStatusFailed:
			st.Failed++
		default:
			st.Pending++
		}
	}
	return st, nil
}

// UpdateCampaignLog is a no-op for unknown rows, matching an UPDATE that hits nothing.
func (s *InMemoryStore) UpdateCampaignLog(ctx context.Context, campaignID, contactID int64, status models.LogStatus, detail string) error {
	if err := checkTerminal(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[logKey{campaignID, contactID}]; ok {
		l.Status = status
		l.Error = detail
		l.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) IncrementCampaignCounter(ctx context.Context, campaignID int64, status models.LogStatus) error {
	if err := checkTerminal(status); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil
	}
	if status == models.LogStatusSent {
		c.Sent++
	} else {
		c.Failed++
	}
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
