package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/attenda-ai/attenda/internal/appointment"
	"github.com/attenda-ai/attenda/internal/calendar"
	"github.com/attenda-ai/attenda/pkg/provider/llm"
)

// SessionEffects is the slice of the session a tool may act on. Tools hold
// this narrow interface rather than the session itself, so the tool layer
// never owns session lifetime.
type SessionEffects interface {
	// TransferToHuman announces the handoff and asks the coordinator to
	// bridge the owner into the call.
	TransferToHuman(ctx context.Context, reason string) error

	// SendDTMF emits one uplink DTMF event per digit.
	SendDTMF(digits string) error

	// HangUp records the appointment outcome and terminates the call.
	HangUp(status appointment.Status, notes string) error

	// RecordOutcome persists the appointment outcome without ending the call.
	RecordOutcome(ctx context.Context, status appointment.Status, notes string) error
}

// Tool names exposed to the language model. These are a stable contract;
// renaming one silently breaks deployed prompts.
const (
	toolCalendarAvailability = "getCalendarAvailability"
	toolCalendarEvents       = "getCalendarEvents"
	toolTransferToHuman      = "transferToHuman"
	toolSendDTMF             = "sendDTMF"
	toolHangUpCall           = "hangUpCall"
	toolUpdateAppointment    = "updateAppointmentStatus"
)

// Toolset is the [ToolExecutor] wired into every solo session. Calendar
// tools call out to the calendar backend; the rest act on the owning
// session through [SessionEffects].
type Toolset struct {
	calendar        calendar.Service
	session         SessionEffects
	transferEnabled bool
	log             *slog.Logger
}

var _ ToolExecutor = (*Toolset)(nil)

// NewToolset creates the session tool surface. transferEnabled should be
// false when no owner phone number is configured; the transfer tool is then
// not offered to the model at all.
func NewToolset(cal calendar.Service, session SessionEffects, transferEnabled bool, log *slog.Logger) *Toolset {
	if log == nil {
		log = slog.Default()
	}
	return &Toolset{calendar: cal, session: session, transferEnabled: transferEnabled, log: log}
}

// Definitions returns the tool schemas offered to the language model.
// Calendar tools are withheld when no calendar service is configured, so
// the model never calls what cannot be served.
func (t *Toolset) Definitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	if t.calendar != nil {
		defs = append(defs, t.calendarDefinitions()...)
	}
	defs = append(defs, t.sessionDefinitions()...)
	if t.transferEnabled {
		defs = append(defs, llm.ToolDefinition{
			Name:        toolTransferToHuman,
			Description: "Bring the user into the call as a third participant when the conversation needs a human decision.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Why the handoff is needed."},
				},
				"required": []string{"reason"},
			},
		})
	}
	return defs
}

func (t *Toolset) calendarDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolCalendarAvailability,
			Description: "Get the user's free calendar slots in a date range. Use this before proposing an appointment time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"startDate":          map[string]any{"type": "string", "description": "Range start, ISO 8601 date or datetime."},
					"endDate":            map[string]any{"type": "string", "description": "Range end, ISO 8601 date or datetime."},
					"minDurationMinutes": map[string]any{"type": "integer", "description": "Minimum slot length in minutes."},
				},
				"required": []string{"startDate", "endDate"},
			},
		},
		{
			Name:        toolCalendarEvents,
			Description: "List the user's existing calendar events in a date range.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"startDate": map[string]any{"type": "string", "description": "Range start, ISO 8601 date or datetime."},
					"endDate":   map[string]any{"type": "string", "description": "Range end, ISO 8601 date or datetime."},
				},
				"required": []string{"startDate", "endDate"},
			},
		},
	}
}

func (t *Toolset) sessionDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolSendDTMF,
			Description: "Send keypad digits, e.g. to navigate a phone menu. Digits may be 0-9, * and #.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"digits": map[string]any{"type": "string", "description": "The digits to send, in order."},
				},
				"required": []string{"digits"},
			},
		},
		{
			Name:        toolHangUpCall,
			Description: "End the call and record the final appointment outcome. Call this exactly once, when the errand is done or cannot proceed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": statusEnum(),
					},
					"notes": map[string]any{"type": "string", "description": "Short human-readable summary of the outcome."},
				},
				"required": []string{"status"},
			},
		},
		{
			Name:        toolUpdateAppointment,
			Description: "Record the appointment outcome without ending the call.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": statusEnum(),
					},
					"notes": map[string]any{"type": "string"},
				},
				"required": []string{"status"},
			},
		},
	}
}

// Execute runs one tool invocation and returns its serialized result.
func (t *Toolset) Execute(ctx context.Context, tc llm.ToolCall) (string, error) {
	switch tc.Name {
	case toolCalendarAvailability:
		return t.execAvailability(ctx, tc.Arguments)
	case toolCalendarEvents:
		return t.execEvents(ctx, tc.Arguments)
	case toolSendDTMF:
		return t.execSendDTMF(tc.Arguments)
	case toolHangUpCall:
		return t.execHangUp(tc.Arguments)
	case toolUpdateAppointment:
		return t.execUpdateAppointment(ctx, tc.Arguments)
	case toolTransferToHuman:
		return t.execTransfer(ctx, tc.Arguments)
	default:
		return "", fmt.Errorf("call: unknown tool %q", tc.Name)
	}
}

func (t *Toolset) execAvailability(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		StartDate          string `json:"startDate"`
		EndDate            string `json:"endDate"`
		MinDurationMinutes int    `json:"minDurationMinutes"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("call: %s args: %w", toolCalendarAvailability, err)
	}
	if t.calendar == nil {
		return "", fmt.Errorf("call: %s: no calendar service configured", toolCalendarAvailability)
	}
	start, end, err := parseDateRange(args.StartDate, args.EndDate)
	if err != nil {
		return "", err
	}
	slots, err := t.calendar.Availability(ctx, start, end, time.Duration(args.MinDurationMinutes)*time.Minute)
	if err != nil {
		return "", fmt.Errorf("call: %s: %w", toolCalendarAvailability, err)
	}
	return marshalResult(map[string]any{"slots": slots})
}

func (t *Toolset) execEvents(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("call: %s args: %w", toolCalendarEvents, err)
	}
	if t.calendar == nil {
		return "", fmt.Errorf("call: %s: no calendar service configured", toolCalendarEvents)
	}
	start, end, err := parseDateRange(args.StartDate, args.EndDate)
	if err != nil {
		return "", err
	}
	events, err := t.calendar.Events(ctx, start, end)
	if err != nil {
		return "", fmt.Errorf("call: %s: %w", toolCalendarEvents, err)
	}
	return marshalResult(map[string]any{"events": events})
}

func (t *Toolset) execSendDTMF(rawArgs string) (string, error) {
	var args struct {
		Digits string `json:"digits"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("call: %s args: %w", toolSendDTMF, err)
	}
	if err := validateDigits(args.Digits); err != nil {
		return "", err
	}
	if err := t.session.SendDTMF(args.Digits); err != nil {
		return "", fmt.Errorf("call: %s: %w", toolSendDTMF, err)
	}
	return marshalResult(map[string]any{"sent": args.Digits})
}

func (t *Toolset) execHangUp(rawArgs string) (string, error) {
	var args struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("call: %s args: %w", toolHangUpCall, err)
	}
	status, err := appointment.ParseStatus(args.Status)
	if err != nil {
		return "", err
	}
	if err := t.session.HangUp(status, args.Notes); err != nil {
		return "", fmt.Errorf("call: %s: %w", toolHangUpCall, err)
	}
	return marshalResult(map[string]any{"ended": true, "status": status})
}

func (t *Toolset) execUpdateAppointment(ctx context.Context, rawArgs string) (string, error) {
	var args struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("call: %s args: %w", toolUpdateAppointment, err)
	}
	status, err := appointment.ParseStatus(args.Status)
	if err != nil {
		return "", err
	}
	if err := t.session.RecordOutcome(ctx, status, args.Notes); err != nil {
		return "", fmt.Errorf("call: %s: %w", toolUpdateAppointment, err)
	}
	return marshalResult(map[string]any{"status": status})
}

func (t *Toolset) execTransfer(ctx context.Context, rawArgs string) (string, error) {
	if !t.transferEnabled {
		return "", fmt.Errorf("call: %s is not available", toolTransferToHuman)
	}
	var args struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return "", fmt.Errorf("call: %s args: %w", toolTransferToHuman, err)
	}
	if err := t.session.TransferToHuman(ctx, args.Reason); err != nil {
		return "", fmt.Errorf("call: %s: %w", toolTransferToHuman, err)
	}
	return marshalResult(map[string]any{"transferring": true})
}

// parseDateRange accepts ISO 8601 dates or datetimes.
func parseDateRange(startRaw, endRaw string) (time.Time, time.Time, error) {
	start, err := parseFlexibleTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("call: startDate: %w", err)
	}
	end, err := parseFlexibleTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("call: endDate: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("call: endDate must be after startDate")
	}
	return start, end, nil
}

func parseFlexibleTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO 8601 date: %q", raw)
}

func validateDigits(digits string) error {
	if digits == "" {
		return fmt.Errorf("call: digits must not be empty")
	}
	for _, r := range digits {
		if (r < '0' || r > '9') && r != '*' && r != '#' {
			return fmt.Errorf("call: invalid DTMF digit %q", string(r))
		}
	}
	return nil
}

func statusEnum() []string {
	return []string{
		string(appointment.StatusPending),
		string(appointment.StatusInProgress),
		string(appointment.StatusFailedTechError),
		string(appointment.StatusFailedBusinessClosed),
		string(appointment.StatusFailedHumanError),
		string(appointment.StatusFailedNoSlots),
		string(appointment.StatusSuccess),
	}
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("call: marshal tool result: %w", err)
	}
	return string(data), nil
}
