package model

import "time"

type EventType string

const (
	EventSystemStatus    EventType = "system.status"
	EventIncidentCreated EventType = "incident.created"
	EventPlanGenerated   EventType = "plan.generated"
	EventTestsUpdated    EventType = "tests.updated"
	EventCopilotAnswer   EventType = "copilot.answer"
)

// Event is the envelope pushed to every subscriber.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

type PlanGeneratedPayload struct {
	IncidentID string `json:"incident_id"`
	Plan       Plan   `json:"plan"`
}

func SystemStatusEvent(s SystemStatus) Event {
	return Event{Type: EventSystemStatus, Payload: s, TS: time.Now().UTC()}
}

func IncidentCreatedEvent(inc *Incident) Event {
	return Event{Type: EventIncidentCreated, Payload: inc, TS: time.Now().UTC()}
}

func PlanGeneratedEvent(incidentID string, plan Plan) Event {
	return Event{
		Type:    EventPlanGenerated,
		Payload: PlanGeneratedPayload{IncidentID: incidentID, Plan: plan},
		TS:      time.Now().UTC(),
	}
}

func TestsUpdatedEvent(run *TestRun) Event {
	return Event{Type: EventTestsUpdated, Payload: run, TS: time.Now().UTC()}
}

func CopilotAnswerEvent(answer CopilotAnswer) Event {
	return Event{Type: EventCopilotAnswer, Payload: answer, TS: time.Now().UTC()}
}
