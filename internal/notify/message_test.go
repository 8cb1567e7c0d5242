package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/appointment-sync/internal/appointments"
	"github.com/wolfman30/appointment-sync/internal/mis"
)

func sampleAppointment(id int64, status appointments.Status) appointments.Appointment {
	return appointments.Appointment{
		ID:        id,
		UserID:    1,
		BookIDMis: "B-100",
		MOName:    "Поликлиника №1",
		VisitTime: time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC),
		Status:    status,
		Details: mis.AppointmentDetails{
			PatientName:    "Иванов Иван Иванович",
			MOAddress:      "ул. Ленина, 1",
			SpecialistName: "Терапевт",
			DoctorName:     "Петров П.П.",
			Room:           "101",
		},
	}
}

func TestCancelPayloadRoundTrip(t *testing.T) {
	payload := CancelPayload(42)
	assert.Equal(t, "cancel_appointment:42", payload)

	id, ok := ParseCancelPayload(payload)
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "cancel_appointment:", "cancel_appointment:x", "cancel_appointment:-1", "other:42"} {
		_, ok := ParseCancelPayload(bad)
		assert.False(t, ok, bad)
	}
}

func TestBuildReminderSingle(t *testing.T) {
	msk := time.FixedZone("MSK", 3*3600)
	msg := BuildReminder(777, []appointments.Appointment{sampleAppointment(5, appointments.StatusActive)}, msk)

	assert.Equal(t, int64(777), msg.ChatID)
	assert.Contains(t, msg.Text, "Иванов Иван Иванович")
	assert.Contains(t, msg.Text, "20.10.2026 в 10:30")
	assert.Contains(t, msg.Text, "Поликлиника №1")
	assert.Contains(t, msg.Text, "Петров П.П.")
	assert.Contains(t, msg.Text, "B-100")
	require.Len(t, msg.Buttons, 1)
	assert.Equal(t, "❌ Отменить запись", msg.Buttons[0].Text)
	assert.Equal(t, "cancel_appointment:5", msg.Buttons[0].Payload)
}

func TestBuildReminderMultipleSkipsInactiveButtons(t *testing.T) {
	second := sampleAppointment(6, appointments.StatusCancelled)
	third := sampleAppointment(7, appointments.StatusActive)
	msg := BuildReminder(1, []appointments.Appointment{sampleAppointment(5, appointments.StatusActive), second, third}, time.UTC)

	assert.Contains(t, msg.Text, "у вас 3 записи")
	assert.Contains(t, msg.Text, "\n1.\n")
	assert.Contains(t, msg.Text, "\n3.\n")
	require.Len(t, msg.Buttons, 2)
	assert.Equal(t, "❌ Отменить запись 1", msg.Buttons[0].Text)
	assert.Equal(t, "cancel_appointment:7", msg.Buttons[1].Payload)
}
