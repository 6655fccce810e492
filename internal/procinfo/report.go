// Package procinfo is the process-information provider: it joins the
// resource monitor with task names, states and stack use, renders the
// result as a table and serves it over gRPC.
package procinfo

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Report is the wire and display form of a kernel snapshot. Counters
// travel as JSON numbers, so values above 2^53 lose precision.
type Report struct {
	BootID   string  `json:"boot_id"`
	Mode     string  `json:"mode"`
	Tick     uint64  `json:"tick"`
	Switches uint64  `json:"switches"`
	Ready    int     `json:"ready"`
	Halted   bool    `json:"halted"`
	CPULoad  float64 `json:"cpu_load"`

	MemKernel         int64  `json:"mem_kernel"`
	MemNetwork        int64  `json:"mem_network"`
	NetMemCeiling     int64  `json:"net_mem_ceiling"`
	IdleTicks         uint64 `json:"idle_ticks"`
	TotalTicks        uint64 `json:"total_ticks"`
	ConsistencyErrors uint64 `json:"consistency_errors"`

	Tasks []TaskRow `json:"tasks"`
}

// TaskRow is one task line.
type TaskRow struct {
	Handle     string  `json:"handle"`
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	State      string  `json:"state"`
	Priority   int     `json:"priority"`
	Base       int     `json:"base"`
	CPUTicks   uint64  `json:"cpu_ticks"`
	CPUShare   float64 `json:"cpu_share"`
	StackSize  int     `json:"stack_size"`
	StackPeak  int     `json:"stack_peak"`
	MemKernel  int64   `json:"mem_kernel"`
	MemNetwork int64   `json:"mem_network"`
	Allocated  int64   `json:"allocated"`
	Freed      int64   `json:"freed"`
	Open       int64   `json:"open"`
}

// FromSnapshot converts a kernel snapshot. Task order is kept.
func FromSnapshot(s kernel.Snapshot) Report {
	g := s.Global
	r := Report{
		BootID:            s.BootID,
		Mode:              s.Mode,
		Tick:              uint64(s.Tick),
		Switches:          s.Switches,
		Ready:             s.Ready,
		Halted:            s.Halted,
		CPULoad:           g.CPULoad(),
		MemKernel:         g.Memory[types.MemKernel],
		MemNetwork:        g.Memory[types.MemNetwork],
		NetMemCeiling:     g.NetMemCeiling,
		IdleTicks:         g.IdleTicks,
		TotalTicks:        g.TotalTicks,
		ConsistencyErrors: g.ConsistencyErrors,
		Tasks:             make([]TaskRow, 0, len(s.Tasks)),
	}
	for _, t := range s.Tasks {
		u := t.Usage
		r.Tasks = append(r.Tasks, TaskRow{
			Handle:     t.Handle.String(),
			Name:       t.Name,
			Kind:       t.Kind.String(),
			State:      t.State.String(),
			Priority:   priorityValue(t.Priority),
			Base:       priorityValue(t.Base),
			CPUTicks:   u.CPUTicks,
			CPUShare:   s.CPUShare(t),
			StackSize:  t.StackSize,
			StackPeak:  t.StackPeak,
			MemKernel:  u.InUse[types.MemKernel],
			MemNetwork: u.InUse[types.MemNetwork],
			Allocated:  u.Allocated,
			Freed:      u.Freed,
			Open:       u.Open,
		})
	}
	return r
}

// Find returns the row named name.
func (r Report) Find(name string) (TaskRow, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskRow{}, false
}

func priorityValue(p types.Priority) int { return int(p) }

// ToStruct encodes r for the wire.
func (r Report) ToStruct() (*structpb.Struct, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return st, nil
}

// FromStruct decodes a report received from the wire.
func FromStruct(st *structpb.Struct) (Report, error) {
	var r Report
	// encoding/json writes integral floats without an exponent, so the
	// counters decode back into their integer fields
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return r, fmt.Errorf("decode report: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}
