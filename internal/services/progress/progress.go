package progress

import (
	"strings"

	"github.com/BearBump/CourierDesk/internal/models"
)

type StepState string

const (
	StepCompleted StepState = "completed"
	StepCurrent   StepState = "current"
	StepPending   StepState = "pending"
)

// Step is the position of a status on the order lifecycle. Index is -1 for an unknown or
// missing status.
type Step struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// Project maps a raw status onto the lifecycle, case-insensitively.
func Project(status string) Step {
	st := Step{Index: -1, Total: len(models.OrderStatuses)}
	status = strings.TrimSpace(status)
	for i, s := range models.OrderStatuses {
		if strings.EqualFold(status, s) {
			st.Index = i
			break
		}
	}
	return st
}

// State of the i-th step. With an unknown status nothing is completed or current.
func (s Step) State(i int) StepState {
	switch {
	case s.Index < 0:
		return StepPending
	case i < s.Index:
		return StepCompleted
	case i == s.Index:
		return StepCurrent
	default:
		return StepPending
	}
}

// Fill is the progress bar fraction in [0, 1].
func (s Step) Fill() float64 {
	if s.Index < 0 || s.Total < 2 {
		return 0
	}
	return float64(s.Index) / float64(s.Total-1)
}

type StepView struct {
	Status string    `json:"status"`
	Label  string    `json:"label"`
	State  StepState `json:"state"`
}

var labels = map[string]string{
	models.OrderStatusPending:          "Pending",
	models.OrderStatusReadyForDelivery: "Ready for delivery",
	models.OrderStatusInDelivery:       "In delivery",
	models.OrderStatusCompleted:        "Completed",
}

func Steps(status string) []StepView {
	st := Project(status)
	out := make([]StepView, 0, st.Total)
	for i, s := range models.OrderStatuses {
		out = append(out, StepView{Status: s, Label: labels[s], State: st.State(i)})
	}
	return out
}

// Progress is what the session panel renders next to an order.
type Progress struct {
	Step  Step       `json:"step"`
	Fill  float64    `json:"fill"`
	Steps []StepView `json:"steps"`
}

func Of(status string) Progress {
	st := Project(status)
	return Progress{Step: st, Fill: st.Fill(), Steps: Steps(status)}
}
