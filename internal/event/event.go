// Package event turns raw engine notifications into the compact events shown
// to visualization clients, and batches them towards a Sink.
package event

import (
	"context"
	"math"
	"unicode/utf8"
)

// Attribute names read from raw engine events.
const (
	AttrPerson  = "person"
	AttrLink    = "link"
	AttrActType = "actType"
)

// Raw is an engine event as reported by the engine. It is never modified.
type Raw struct {
	Type       string            `json:"type"`
	Time       float64           `json:"time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the wire shape of an accepted event. Optional fields are nil when
// the raw event did not carry the attribute. X and Y are reserved and never set.
type Event struct {
	Type         string   `json:"type"`
	Time         float64  `json:"time"`
	AgentID      *string  `json:"agentId,omitempty"`
	LinkID       *string  `json:"linkId,omitempty"`
	ActivityType *string  `json:"activityType,omitempty"`
	X            *float64 `json:"x,omitempty"`
	Y            *float64 `json:"y,omitempty"`
}

var allowed = map[string]struct{}{
	"departure":              {},
	"arrival":                {},
	"entered link":           {},
	"left link":              {},
	"PersonEntersVehicle":    {},
	"PersonLeavesVehicle":    {},
	"vehicle enters traffic": {},
	"vehicle leaves traffic": {},
}

// Allowed reports whether events of type t are forwarded. Single character
// types are activity codes (h, w, ...) and always pass.
func Allowed(t string) bool {
	if _, ok := allowed[t]; ok {
		return true
	}
	return utf8.RuneCountInString(t) == 1
}

// Transform projects r onto Event. It returns false when r can't be
// represented: empty type or a time that is not a finite number.
func Transform(r Raw) (Event, bool) {
	if r.Type == "" || math.IsNaN(r.Time) || math.IsInf(r.Time, 0) {
		return Event{}, false
	}
	return Event{
		Type:         r.Type,
		Time:         r.Time,
		AgentID:      attr(r.Attributes, AttrPerson),
		LinkID:       attr(r.Attributes, AttrLink),
		ActivityType: attr(r.Attributes, AttrActType),
	}, true
}

func attr(m map[string]string, key string) *string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	return &v
}

// Sink receives flushed batches in submission order. The slice is handed
// over: a sink may keep it but must not modify it.
type Sink interface {
	HandleEvents(ctx context.Context, batch []Event)
}

type SinkFunc func(ctx context.Context, batch []Event)

func (f SinkFunc) HandleEvents(ctx context.Context, batch []Event) {
	f(ctx, batch)
}

// Discard drops every batch.
var Discard Sink = SinkFunc(func(context.Context, []Event) {})
