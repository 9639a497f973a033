package models

import (
	"strings"
	"time"
)

// DateLayout is the wire and storage format of a queue date.
const DateLayout = "2006-01-02"

type ServiceType string

const (
	ServiceMedical ServiceType = "medical"
	ServiceDental  ServiceType = "dental"
)

// ServiceTypes lists every service type in display order.
var ServiceTypes = []ServiceType{ServiceMedical, ServiceDental}

func ParseServiceType(value string) (ServiceType, bool) {
	switch ServiceType(strings.ToLower(strings.TrimSpace(value))) {
	case ServiceMedical:
		return ServiceMedical, true
	case ServiceDental:
		return ServiceDental, true
	default:
		return "", false
	}
}

// Prefix is the single character that starts every queue number of the type.
func (s ServiceType) Prefix() string {
	switch s {
	case ServiceMedical:
		return "M"
	case ServiceDental:
		return "D"
	default:
		return "X"
	}
}

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusServing   Status = "serving"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusWaiting:
		return StatusWaiting, true
	case StatusServing:
		return StatusServing, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusCancelled:
		return StatusCancelled, true
	default:
		return "", false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Ticket struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	IDNumber    string      `json:"id_number"`
	ServiceType ServiceType `json:"service_type"`
	QueueNumber string      `json:"queue_number"`
	QueueDate   string      `json:"queue_date"`
	Status      Status      `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	ServedAt    *time.Time  `json:"served_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
}

// WaitMinutes reports how long the ticket waited before being served.
func (t Ticket) WaitMinutes() (float64, bool) {
	if t.ServedAt == nil || t.CreatedAt.IsZero() {
		return 0, false
	}
	return t.ServedAt.Sub(t.CreatedAt).Minutes(), true
}

type ArchivedTicket struct {
	Ticket
	ArchivedAt time.Time `json:"archived_at"`
}

// Day returns the calendar day of t in loc, formatted as a queue date.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

func ParseDay(value string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(value))
}
