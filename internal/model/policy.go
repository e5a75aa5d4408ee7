package model

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the recurrence kind of a schedule policy.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCron    Frequency = "cron"
)

// Recurrence is a daily/weekly/monthly rule at a time of day, or a raw cron
// expression when Frequency is "cron".
type Recurrence struct {
	Frequency Frequency    `json:"frequency"`
	Hour      int          `json:"hour"`
	Minute    int          `json:"minute"`
	Weekday   time.Weekday `json:"weekday,omitempty"`
	Day       int          `json:"day,omitempty"`
	Cron      string       `json:"cron,omitempty"`
}

// Expression renders the rule as a five-field cron expression.
func (r Recurrence) Expression() (string, error) {
	if r.Frequency != FrequencyCron {
		if r.Hour < 0 || r.Hour > 23 {
			return "", fmt.Errorf("%w: hour %d must be between 0 and 23", ErrInvalidArgument, r.Hour)
		}
		if r.Minute < 0 || r.Minute > 59 {
			return "", fmt.Errorf("%w: minute %d must be between 0 and 59", ErrInvalidArgument, r.Minute)
		}
	}
	switch r.Frequency {
	case FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", r.Minute, r.Hour), nil
	case FrequencyWeekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return "", fmt.Errorf("%w: weekday %d out of range", ErrInvalidArgument, r.Weekday)
		}
		return fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, int(r.Weekday)), nil
	case FrequencyMonthly:
		// Days past 28 would silently skip short months.
		if r.Day < 1 || r.Day > 28 {
			return "", fmt.Errorf("%w: day %d must be between 1 and 28", ErrInvalidArgument, r.Day)
		}
		return fmt.Sprintf("%d %d %d * *", r.Minute, r.Hour, r.Day), nil
	case FrequencyCron:
		expr := strings.TrimSpace(r.Cron)
		if expr == "" {
			return "", fmt.Errorf("%w: cron expression is empty", ErrInvalidArgument)
		}
		return expr, nil
	}
	return "", fmt.Errorf("%w: unknown frequency %q", ErrInvalidArgument, r.Frequency)
}

// VolumeSelector picks the volumes a policy backs up: explicit IDs, volumes
// whose labels contain every pair in Labels, or both.
type VolumeSelector struct {
	VolumeIDs []string          `json:"volume_ids,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Empty reports whether the selector matches nothing.
func (s VolumeSelector) Empty() bool {
	return len(s.VolumeIDs) == 0 && len(s.Labels) == 0
}

// SchedulePolicy is a recurring rule that triggers backup jobs.
type SchedulePolicy struct {
	Name                string         `json:"name"`
	Recurrence          Recurrence     `json:"recurrence"`
	Selector            VolumeSelector `json:"selector"`
	CredentialID        string         `json:"credential_id"`
	RetentionCount      int            `json:"retention_count"`
	Incremental         bool           `json:"incremental"`
	MaxIncrementalChain int            `json:"max_incremental_chain,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Validate checks the fields a policy cannot be stored without.
func (p *SchedulePolicy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: policy name is required", ErrInvalidArgument)
	}
	if strings.ContainsAny(p.Name, "/ ") {
		return fmt.Errorf("%w: policy name %q must not contain '/' or spaces", ErrInvalidArgument, p.Name)
	}
	if strings.TrimSpace(p.CredentialID) == "" {
		return fmt.Errorf("%w: credential id is required", ErrInvalidArgument)
	}
	if p.Selector.Empty() {
		return fmt.Errorf("%w: volume selector is empty", ErrInvalidArgument)
	}
	if p.RetentionCount < 0 {
		return fmt.Errorf("%w: retention count must not be negative", ErrInvalidArgument)
	}
	if p.MaxIncrementalChain < 0 {
		return fmt.Errorf("%w: max incremental chain must not be negative", ErrInvalidArgument)
	}
	_, err := p.Recurrence.Expression()
	return err
}
