// Package controlserver is an in-memory stand-in for the mmm-server. It
// serves the four endpoints the agent consumes plus a small admin API to
// assign mining operations, and keeps a JSON event log on disk.
package controlserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrRigNotFound is returned for unknown rig ids.
var ErrRigNotFound = errors.New("rig not found")

// Report is one stats upload.
type Report struct {
	Rate       int64     `json:"rate"`
	PowerUsage int64     `json:"power_usage"`
	ReceivedAt time.Time `json:"received_at"`
}

// Rig is a registered mining host.
type Rig struct {
	ID            string          `json:"id"`
	Hostname      string          `json:"hostname"`
	PowerPrice    float64         `json:"power_price"`
	PowerCurrency string          `json:"power_currency"`
	WhatToMine    json.RawMessage `json:"what_to_mine,omitempty"`
	RegisteredAt  time.Time       `json:"registered_at"`
	LastSeen      time.Time       `json:"last_seen"`
	LastReport    *Report         `json:"last_report,omitempty"`
	Reports       int64           `json:"reports"`
}

// Registry stores rigs in registration order.
type Registry struct {
	mu    sync.RWMutex
	rigs  map[string]*Rig
	order []string
	now   func() time.Time
}

// NewRegistry creates an empty registry. now defaults to time.Now.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{rigs: make(map[string]*Rig), now: now}
}

// newObjectID returns a 24 hex character id.
func newObjectID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Register adds a rig and returns a copy of it.
func (r *Registry) Register(hostname string, powerPrice float64, powerCurrency string) (Rig, error) {
	id, err := newObjectID()
	if err != nil {
		return Rig{}, err
	}
	if powerCurrency == "" {
		powerCurrency = "USD"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	rig := &Rig{
		ID:            id,
		Hostname:      hostname,
		PowerPrice:    powerPrice,
		PowerCurrency: powerCurrency,
		RegisteredAt:  now,
		LastSeen:      now,
	}
	r.rigs[id] = rig
	r.order = append(r.order, id)
	return *rig, nil
}

// List returns all rigs in registration order.
func (r *Registry) List() []Rig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rigs := make([]Rig, 0, len(r.order))
	for _, id := range r.order {
		rigs = append(rigs, *r.rigs[id])
	}
	return rigs
}

// Get returns the rig with id and marks it as seen.
func (r *Registry) Get(id string) (Rig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rig, ok := r.rigs[id]
	if !ok {
		return Rig{}, ErrRigNotFound
	}
	rig.LastSeen = r.now()
	return *rig, nil
}

// SetOperation assigns a what_to_mine payload. A nil payload clears it.
func (r *Registry) SetOperation(id string, whatToMine json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rig, ok := r.rigs[id]
	if !ok {
		return ErrRigNotFound
	}
	rig.WhatToMine = append(json.RawMessage(nil), whatToMine...)
	return nil
}

// RecordReport stores a stats upload.
func (r *Registry) RecordReport(id string, rate, powerUsage int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rig, ok := r.rigs[id]
	if !ok {
		return ErrRigNotFound
	}
	now := r.now()
	rig.LastReport = &Report{Rate: rate, PowerUsage: powerUsage, ReceivedAt: now}
	rig.LastSeen = now
	rig.Reports++
	return nil
}

// Totals sums the latest report of every rig.
func (r *Registry) Totals() (rigs int, rate, powerUsage int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rig := range r.rigs {
		if rig.LastReport != nil {
			rate += rig.LastReport.Rate
			powerUsage += rig.LastReport.PowerUsage
		}
	}
	return len(r.rigs), rate, powerUsage
}
