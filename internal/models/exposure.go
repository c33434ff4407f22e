// Package models provides data model definitions for the exposure log
// offline queue.
package models

import (
	"fmt"
	"strings"
	"time"
)

// HazardType classifies what the worker was exposed to.
type HazardType string

const (
	HazardDust       HazardType = "dust"
	HazardChemical   HazardType = "chemical"
	HazardNoise      HazardType = "noise"
	HazardVibration  HazardType = "vibration"
	HazardHeat       HazardType = "heat"
	HazardRadiation  HazardType = "radiation"
	HazardBiological HazardType = "biological"
	HazardOther      HazardType = "other"
)

var knownHazards = map[HazardType]bool{
	HazardDust:       true,
	HazardChemical:   true,
	HazardNoise:      true,
	HazardVibration:  true,
	HazardHeat:       true,
	HazardRadiation:  true,
	HazardBiological: true,
	HazardOther:      true,
}

// Location is where the exposure happened.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	AccuracyM float64 `json:"accuracy_m,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ExposureRecord is the payload of a "create exposure record" operation.
type ExposureRecord struct {
	HazardType          HazardType `json:"hazard_type"`
	Agent               string     `json:"agent,omitempty"` // e.g. "silica", "toluene"
	Description         string     `json:"description"`
	Severity            int        `json:"severity"` // 1 (minor) .. 5 (severe)
	DurationMinutes     int        `json:"duration_minutes"`
	OccurredAt          time.Time  `json:"occurred_at"`
	Site                string     `json:"site,omitempty"`
	Location            *Location  `json:"location,omitempty"`
	ReporterID          string     `json:"reporter_id"`
	ProtectiveEquipment []string   `json:"protective_equipment,omitempty"`
	Notes               string     `json:"notes,omitempty"`
}

// Validate checks the fields the backend requires on create.
func (r *ExposureRecord) Validate() error {
	if !knownHazards[r.HazardType] {
		return fmt.Errorf("unknown hazard type %q", r.HazardType)
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if r.Severity < 1 || r.Severity > 5 {
		return fmt.Errorf("severity must be between 1 and 5, got %d", r.Severity)
	}
	if r.DurationMinutes < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if strings.TrimSpace(r.ReporterID) == "" {
		return fmt.Errorf("reporter_id is required")
	}
	if r.Location != nil {
		if r.Location.Latitude < -90 || r.Location.Latitude > 90 ||
			r.Location.Longitude < -180 || r.Location.Longitude > 180 {
			return fmt.Errorf("location out of range")
		}
	}
	return nil
}
