package patient

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrPatientNotFound = errors.New("patient not found")

// Directory is the read side of the patient record store.
type Directory interface {
	ListPatientIDs(ctx context.Context) ([]string, error)
	GetPatient(ctx context.Context, id string) (*Patient, error)
}

// GrantedConsents resolves consent from the consents recorded on the patient.
type GrantedConsents struct{}

func (GrantedConsents) HasConsent(_ context.Context, p *Patient, consentID string) bool {
	return p.HasConsent(consentID)
}

// MemoryDirectory is a Directory over a fixed set of records.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[string]*Patient
}

func NewMemoryDirectory(patients ...*Patient) *MemoryDirectory {
	d := &MemoryDirectory{patients: make(map[string]*Patient, len(patients))}
	for _, p := range patients {
		d.Put(p)
	}
	return d
}

func (d *MemoryDirectory) Put(p *Patient) {
	if p == nil || p.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[p.ID] = p
}

func (d *MemoryDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.patients, id)
}

func (d *MemoryDirectory) ListPatientIDs(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.patients))
	for id := range d.patients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *MemoryDirectory) GetPatient(_ context.Context, id string) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}
