package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

var validate = validator.New()

var policyNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

func init() {
	validate.RegisterValidation("policyname", func(fl validator.FieldLevel) bool {
		return policyNameRegex.MatchString(fl.Field().String())
	})
}

// Decode reads a JSON body into v and validates it. Failures wrap
// ErrInvalidArgument so they surface as 400.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", model.ErrInvalidArgument, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: validation error: %v", model.ErrInvalidArgument, err)
	}
	return nil
}

type CreateBackup struct {
	VolumeID       string            `json:"volume_id" validate:"required"`
	CredentialID   string            `json:"credential_id" validate:"required"`
	ParentBackupID string            `json:"parent_backup_id"`
	TaskName       string            `json:"task_name" validate:"omitempty,max=255"`
	Labels         map[string]string `json:"labels"`
}

type CreateRestore struct {
	BackupID string            `json:"backup_id" validate:"required"`
	VolumeID string            `json:"volume_id" validate:"omitempty,max=128"`
	TaskName string            `json:"task_name" validate:"omitempty,max=255"`
	Labels   map[string]string `json:"labels"`
}

type ChangeState struct {
	State string `json:"state" validate:"required"`
}

type Recurrence struct {
	Frequency string `json:"frequency" validate:"required,oneof=daily weekly monthly cron"`
	Hour      int    `json:"hour" validate:"min=0,max=23"`
	Minute    int    `json:"minute" validate:"min=0,max=59"`
	Weekday   int    `json:"weekday" validate:"min=0,max=6"`
	Day       int    `json:"day" validate:"min=0,max=28"`
	Cron      string `json:"cron" validate:"required_if=Frequency cron"`
}

type Selector struct {
	VolumeIDs []string          `json:"volume_ids" validate:"omitempty,dive,required"`
	Labels    map[string]string `json:"labels"`
}

type Schedule struct {
	Name                string     `json:"name" validate:"required,policyname"`
	Recurrence          Recurrence `json:"recurrence"`
	Selector            Selector   `json:"selector"`
	CredentialID        string     `json:"credential_id" validate:"required"`
	RetentionCount      int        `json:"retention_count" validate:"min=0"`
	Incremental         bool       `json:"incremental"`
	MaxIncrementalChain int        `json:"max_incremental_chain" validate:"min=0"`
}

func (s Schedule) policy() *model.SchedulePolicy {
	return &model.SchedulePolicy{
		Name: s.Name,
		Recurrence: model.Recurrence{
			Frequency: model.Frequency(s.Recurrence.Frequency),
			Hour:      s.Recurrence.Hour,
			Minute:    s.Recurrence.Minute,
			Weekday:   time.Weekday(s.Recurrence.Weekday),
			Day:       s.Recurrence.Day,
			Cron:      s.Recurrence.Cron,
		},
		Selector: model.VolumeSelector{
			VolumeIDs: s.Selector.VolumeIDs,
			Labels:    s.Selector.Labels,
		},
		CredentialID:        s.CredentialID,
		RetentionCount:      s.RetentionCount,
		Incremental:         s.Incremental,
		MaxIncrementalChain: s.MaxIncrementalChain,
	}
}

// parseStates accepts repeated and comma-separated state query values.
func parseStates(values []string) ([]model.State, error) {
	var out []model.State
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := model.ParseState(part)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
	}
	return out, nil
}
