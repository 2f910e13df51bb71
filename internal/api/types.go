package api

import (
	"fmt"
	"time"

	"github.com/evolvix-software/reportsched/internal/domain"
)

type ScheduleRequest struct {
	Name       string   `json:"name"`
	ReportType string   `json:"report_type"`
	Frequency  string   `json:"frequency"`
	Anchor     int      `json:"anchor,omitempty"`
	TimeOfDay  string   `json:"time_of_day"` // "HH:MM"
	Timezone   string   `json:"timezone"`
	CronExpr   string   `json:"cron_expression,omitempty"`
	Recipients []string `json:"recipients"`
	Format     string   `json:"format"`
}

type ScheduleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	ReportType  string   `json:"report_type"`
	Frequency   string   `json:"frequency"`
	Anchor      int      `json:"anchor,omitempty"`
	TimeOfDay   string   `json:"time_of_day"`
	Timezone    string   `json:"timezone"`
	CronExpr    string   `json:"cron_expression,omitempty"`
	Recipients  []string `json:"recipients"`
	Format      string   `json:"format"`
	Active      bool     `json:"active"`
	NextRunAt   string   `json:"next_run_at"`
	LastRunAt   string   `json:"last_run_at,omitempty"`
	LastOutcome string   `json:"last_outcome,omitempty"`
	Version     int64    `json:"version"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type TriggerResponse struct {
	ScheduleID  string `json:"schedule_id"`
	ExecutionID string `json:"execution_id"`
	RequestedAt string `json:"requested_at"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func toScheduleResponse(def domain.ScheduleDefinition) ScheduleResponse {
	resp := ScheduleResponse{
		ID:          def.ID.String(),
		Name:        def.Name,
		ReportType:  def.ReportType,
		Frequency:   string(def.Frequency),
		Anchor:      def.Anchor,
		TimeOfDay:   def.TimeOfDay.String(),
		Timezone:    def.Timezone,
		CronExpr:    def.CronExpr,
		Recipients:  def.Recipients,
		Format:      string(def.Format),
		Active:      def.Active,
		NextRunAt:   formatTime(def.NextRunAt),
		LastOutcome: string(def.LastOutcome),
		Version:     def.Version,
		CreatedAt:   formatTime(def.CreatedAt),
		UpdatedAt:   formatTime(def.UpdatedAt),
	}
	if def.LastRunAt != nil {
		resp.LastRunAt = formatTime(*def.LastRunAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTimeOfDay parses "HH:MM" in 24-hour form.
func parseTimeOfDay(s string) (domain.TimeOfDay, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return domain.TimeOfDay{}, fmt.Errorf("time_of_day must be HH:MM, got %q", s)
	}
	tod := domain.TimeOfDay{Hour: hour, Minute: minute}
	if !tod.Valid() {
		return domain.TimeOfDay{}, fmt.Errorf("time_of_day out of range: %q", s)
	}
	return tod, nil
}
