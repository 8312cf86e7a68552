package appointment

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/attenda-ai/attenda/pkg/telephony/twilio"
)

// CallPlacer is the slice of the telephony control plane the dispatcher
// uses. *twilio.Client satisfies it.
type CallPlacer interface {
	PlaceCall(ctx context.Context, p twilio.PlaceCallParams) (*twilio.Call, error)
}

// Dispatcher turns newly inserted appointments into outbound calls. It
// consumes the store's change feed: on each PENDING insert it places a call
// whose media stream carries the appointment id as a custom parameter, then
// marks the appointment IN_PROGRESS so a restart does not dial twice.
type Dispatcher struct {
	store      Store
	control    CallPlacer
	log        *slog.Logger
	fromNumber string
	baseURL    string
}

// NewDispatcher creates a Dispatcher. baseURL is the public base URL of
// this process, used to build the media-stream WebSocket URL; fromNumber is
// the E.164 caller id for outbound calls.
func NewDispatcher(store Store, control CallPlacer, baseURL, fromNumber string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		control:    control,
		log:        log,
		fromNumber: fromNumber,
		baseURL:    baseURL,
	}
}

// HandleChange processes one store change. Only PENDING inserts trigger a
// call; everything else is ignored.
func (d *Dispatcher) HandleChange(ctx context.Context, change Change) {
	if change.Op != "INSERT" || change.Status != StatusPending {
		return
	}
	if err := d.dispatch(ctx, change.AppointmentID); err != nil {
		d.log.Error("appointment dispatch failed",
			"appointment_id", change.AppointmentID, "error", err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) error {
	appt, user, err := d.store.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if appt == nil {
		return fmt.Errorf("appointment: dispatch: appointment %q not found", id)
	}
	if appt.Status != StatusPending {
		// Raced with another dispatcher instance.
		return nil
	}

	twiml := twilio.StreamTwiML(d.mediaStreamURL(), map[string]string{
		"appointmentId": appt.ID,
		"to":            appt.PhoneNumber,
		"from":          d.fromNumber,
	})
	call, err := d.control.PlaceCall(ctx, twilio.PlaceCallParams{
		To:    appt.PhoneNumber,
		From:  d.fromNumber,
		TwiML: twiml,
	})
	if err != nil {
		return fmt.Errorf("appointment: place call: %w", err)
	}

	status := StatusInProgress
	if err := d.store.Update(ctx, appt.ID, Patch{Status: &status}); err != nil {
		// The call is already ringing; the status stays PENDING and the
		// session will correct it on outcome.
		d.log.Warn("could not mark appointment in progress",
			"appointment_id", appt.ID, "error", err)
	}

	d.log.Info("outbound call placed",
		"appointment_id", appt.ID,
		"call_sid", call.SID,
		"business", appt.BusinessName,
		"user", user.Name)
	return nil
}

func (d *Dispatcher) mediaStreamURL() string {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return d.baseURL + "/media-stream"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/media-stream"
	return u.String()
}
