package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kabili207/rvc-go/core/codec"
	"github.com/kabili207/rvc-go/core/stats"
	"github.com/kabili207/rvc-go/device/pipeline"
	"github.com/kabili207/rvc-go/transport/mqtt"
)

// eventMessage converts a decoded event to its published form.
func eventMessage(ev pipeline.DecodedEvent) *mqtt.EventMessage {
	msg := &mqtt.EventMessage{
		Time:        ev.Time,
		Priority:    ev.Frame.Priority,
		DGN:         ev.Frame.DGNString(),
		Source:      ev.Frame.Source,
		Data:        ev.Frame.Data,
		Name:        ev.Name(),
		Reassembled: ev.Reassembled,
	}
	for _, pv := range ev.Parameters {
		pm := mqtt.ParameterMessage{Name: pv.Name, Label: pv.Label}
		if pv.Available() {
			value := pv.Value
			pm.Value = &value
		} else {
			pm.Error = pv.Err.Error()
		}
		msg.Parameters = append(msg.Parameters, pm)
	}
	return msg
}

// sourceRow is one line of the periodic source report.
type sourceRow struct {
	Address string
	Frames  uint64
	DGNs    string
	Visible bool
}

// sourceRows formats a stats snapshot, listing each source's DGNs in
// ascending order with their counts.
func sourceRows(snap []stats.SourceStats) []sourceRow {
	rows := make([]sourceRow, 0, len(snap))
	for _, s := range snap {
		dgns := make([]uint32, 0, len(s.PerDGN))
		for dgn := range s.PerDGN {
			dgns = append(dgns, dgn)
		}
		slices.Sort(dgns)

		parts := make([]string, len(dgns))
		for i, dgn := range dgns {
			parts[i] = fmt.Sprintf("%s:%d", codec.FormatDGN(dgn), s.PerDGN[dgn])
		}
		rows = append(rows, sourceRow{
			Address: fmt.Sprintf("%02X", s.Address),
			Frames:  s.FrameCount,
			DGNs:    strings.Join(parts, " "),
			Visible: s.Visible,
		})
	}
	return rows
}
