// Package sched holds the job model and the priority-ordered queue feeding
// the worker pool.
package sched

import (
	"sync/atomic"
	"time"

	"grabbot/internal/media"
	"grabbot/internal/transport"
)

// Class is the coarse scheduling tier. Lower value schedules first.
type Class int

const (
	ClassPremium  Class = 0
	ClassStandard Class = 1
)

// ClassSpan is the priority gap between classes. Requeue decay moves a job
// within its class span only, so decay can never invert ordering across
// classes.
const ClassSpan = 10

// State is a job's lifecycle position.
type State int32

const (
	StateQueued State = iota
	StateAssigned
	StateRunning
	StateRequeued
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateAssigned:
		return "assigned"
	case StateRunning:
		return "running"
	case StateRequeued:
		return "requeued"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payload is what the job fetches and how.
type Payload struct {
	SourceURL string
	Platform  string
	Variant   media.Variant
}

// Job is one admitted, schedulable download.
type Job struct {
	ID      int64 // assigned at first enqueue, strictly increasing
	UserID  int64
	Class   Class
	Payload Payload
	Chat    transport.ChatTarget

	EnqueuedAt time.Time
	Requeues   int

	// prio is the effective priority: Class*ClassSpan plus requeue decay.
	// seq breaks ties FIFO and is refreshed on every (re)enqueue.
	prio int
	seq  int64

	state atomic.Int32
}

func (j *Job) State() State       { return State(j.state.Load()) }
func (j *Job) SetState(s State)   { j.state.Store(int32(s)) }
func (j *Job) Priority() int      { return j.prio }
func (j *Job) basePriority() int  { return int(j.Class) * ClassSpan }
func (j *Job) floorPriority() int { return j.basePriority() + ClassSpan - 1 }

// decay pushes the job back within its class, bounded at the class floor.
func (j *Job) decay() {
	if j.prio < j.floorPriority() {
		j.prio++
	}
}
