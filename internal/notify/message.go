package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/appointment-sync/internal/appointments"
)

// CancelPayloadPrefix prefixes the callback payload of cancel buttons.
const CancelPayloadPrefix = "cancel_appointment:"

// CancelPayload returns the callback payload that cancels appointment id.
func CancelPayload(id int64) string {
	return CancelPayloadPrefix + strconv.FormatInt(id, 10)
}

// ParseCancelPayload extracts the appointment id from a cancel callback payload.
func ParseCancelPayload(payload string) (int64, bool) {
	rest, ok := strings.CutPrefix(payload, CancelPayloadPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// BuildReminder renders one combined reminder for a user's appointments.
// Times are shown in loc.
func BuildReminder(chatID int64, appts []appointments.Appointment, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	if len(appts) == 1 {
		b.WriteString("🔔 Напоминание о записи на приём\n\n")
		writeCard(&b, appts[0], loc)
	} else {
		fmt.Fprintf(&b, "🔔 Напоминание: у вас %d записи на приём\n", len(appts))
		for i, a := range appts {
			fmt.Fprintf(&b, "\n%d.\n", i+1)
			writeCard(&b, a, loc)
		}
	}
	b.WriteString("\nЕсли вы не сможете прийти, пожалуйста, отмените запись.")

	var buttons []Button
	for i, a := range appts {
		if a.ID == 0 || !a.Active() {
			continue
		}
		label := "❌ Отменить запись"
		if len(appts) > 1 {
			label = fmt.Sprintf("❌ Отменить запись %d", i+1)
		}
		buttons = append(buttons, Button{Text: label, Payload: CancelPayload(a.ID)})
	}

	return Message{ChatID: chatID, Text: b.String(), Buttons: buttons}
}

func writeCard(b *strings.Builder, a appointments.Appointment, loc *time.Location) {
	d := a.Details
	writeLine(b, "👤 Пациент", d.PatientName)
	if !a.VisitTime.IsZero() {
		writeLine(b, "📅 Дата и время", a.VisitTime.In(loc).Format("02.01.2006 в 15:04"))
	} else {
		writeLine(b, "📅 Дата и время", d.VisitTime)
	}
	writeLine(b, "🏥 Медицинская организация", firstNonEmpty(d.MOName, a.MOName))
	writeLine(b, "📍 Адрес", d.MOAddress)
	writeLine(b, "🚪 Кабинет", d.Room)
	writeLine(b, "👨‍⚕️ Врач", firstNonEmpty(d.DoctorName, d.SpecialistName))
	writeLine(b, "🩺 Специальность", d.DoctorPosition)
	writeLine(b, "🆔 Номер записи", firstNonEmpty(a.BookIDMis, d.BookIDMis))
}

func writeLine(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
