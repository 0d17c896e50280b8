package main

import (
	"io"
	"time"

	"webhook-delivery-engine/internal/core/domain"

	"github.com/jedib0t/go-pretty/v6/table"
)

func renderStatusCounts(w io.Writer, counts domain.StatusCounts) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Status", "Deliveries"})
	for _, s := range domain.AllDeliveryStatuses {
		tw.AppendRow(table.Row{s, counts[s]})
	}
	tw.Render()
}

func renderOpenCircuits(w io.Writer, subs []domain.WebhookSubscription) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Subscription", "Name", "Failures", "Open Until"})
	for _, s := range subs {
		until := ""
		if s.CircuitOpenUntil != nil {
			until = s.CircuitOpenUntil.UTC().Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{s.ID, s.Name, s.ConsecutiveFailures, until})
	}
	tw.Render()
}

func renderDeadLetters(w io.Writer, entries []domain.DeadLetterEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Dispatch", "Event", "Type", "Attempts", "Reason", "Failed At"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.DispatchID, e.EventID, e.EventType, e.AttemptCount, e.FailureReason, e.FailedAt.UTC().Format(time.RFC3339)})
	}
	tw.Render()
}
