package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/textualy/autoreply/internal/domain/conversation"
	"github.com/textualy/autoreply/internal/port/crm"
)

// CancelledTag marks a contact whose appointment the agent cancelled, so
// CRM-side automations can react to it.
const CancelledTag = "textualy-cancelled"

// CancelResult is the outcome of cancelling existing appointments.
type CancelResult struct {
	Rescheduled bool `json:"rescheduled"`
}

// cancelExisting cancels every appointment the contact holds on calendarID.
// A non-nil Failure reports an external failure; err is fatal.
func (x *ToolExecutor) cancelExisting(ctx context.Context, tc ToolContext, calendarID string) (*CancelResult, *Failure, error) {
	if _, err := x.crm.AddTag(ctx, tc.Session, tc.ContactID, CancelledTag); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		slog.WarnContext(ctx, "tag cancelled contact failed", "contact_id", tc.ContactID, "error", err)
	}

	appts, err := x.crm.ContactAppointments(ctx, tc.Session, tc.ContactID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		slog.WarnContext(ctx, "list appointments failed", "contact_id", tc.ContactID, "error", err)
		return nil, failure("Couldn't fetch existing appointments."), nil
	}

	cancelled := 0
	for _, a := range appts {
		if a.CalendarID != calendarID {
			continue
		}
		if err := x.crm.CancelAppointment(ctx, tc.Session, tc.ContactID, a); err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			slog.WarnContext(ctx, "cancel appointment failed", "appointment_id", a.ID, "error", err)
			return nil, failure("Couldn't cancel the existing appointment."), nil
		}
		cancelled++
	}

	if cancelled > 0 {
		notBooked := false
		if err := x.patch(ctx, tc, conversation.Patch{CurrBooked: &notBooked}); err != nil {
			return nil, nil, err
		}
	}
	return &CancelResult{Rescheduled: cancelled > 0}, nil, nil
}

func (x *ToolExecutor) cancelAppointment(ctx context.Context, tc ToolContext, a *CancelAppointmentArgs) (any, error) {
	if tc.Simulate {
		return fmt.Sprintf("Appointment has been cancelled on the calendar %q", a.CalendarName), nil
	}
	res, fail, err := x.cancelExisting(ctx, tc, a.CalendarID)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return fail, nil
	}
	return res, nil
}

// bookAppointment rebooks: existing appointments on the same calendar are
// cancelled first, and the calendar is given time to settle before booking.
func (x *ToolExecutor) bookAppointment(ctx context.Context, tc ToolContext, a *BookAppointmentArgs) (any, error) {
	if tc.Simulate {
		return fmt.Sprintf("Appointment has been booked for %q on the calendar %q", a.BookingTime, a.CalendarName), nil
	}

	cancel, fail, err := x.cancelExisting(ctx, tc, a.CalendarID)
	if err != nil {
		return nil, err
	}
	if fail != nil {
		return fail, nil
	}

	if err := x.sleep(ctx, x.settleDelay()); err != nil {
		return nil, err
	}

	res, err := x.crm.BookAppointment(ctx, tc.Session, crm.BookingRequest{
		CalendarID: a.CalendarID,
		LocationID: tc.Session.LocationID,
		ContactID:  tc.ContactID,
		StartTime:  a.BookingTime,
		ToNotify:   true,
	})
	if err != nil {
		return external(ctx, ToolBookAppointment, err, "Couldn't book the appointment at the requested time.")
	}

	yes := true
	rescheduled := cancel.Rescheduled
	if err := x.patch(ctx, tc, conversation.Patch{
		Booked:      &yes,
		CurrBooked:  &yes,
		Replied:     &yes,
		Rescheduled: &rescheduled,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func (x *ToolExecutor) settleDelay() time.Duration {
	d := x.settleMin
	if span := x.settleMax - x.settleMin; span > 0 {
		d += time.Duration(x.jitter(int64(span) + 1))
	}
	return d
}
