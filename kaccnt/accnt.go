// Package kaccnt accumulates per-task CPU accounting, adapted from
// biscuit's accnt.Accnt_t. Where biscuit only exposed raw nanosecond
// counters, gokern additionally serializes a snapshot of every task's
// usage into a github.com/google/pprof profile.Profile, in the spirit of
// biscuit's bprof_t/profhw_i perf-counter capture but producing a profile
// a host tool can open directly.
package kaccnt

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"

	"gokern/defs"
)

// Accnt_t accumulates per-task runtime. Both Userns and Sysns are
// nanoseconds, updated and read with individual atomic operations; the
// embedded mutex is not taken by Utadd, Systadd or Snapshot.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Snapshot atomically reads both counters.
func (a *Accnt_t) Snapshot() (userns, sysns int64) {
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}

// Sample names one task's accounting snapshot for WriteProfile.
type Sample struct {
	Tid  defs.Tid_t
	Name string
	Acc  *Accnt_t
}

// WriteProfile builds a pprof profile.Profile with one "user-ns" and one
// "sys-ns" sample value per task, labeled by tid and name. It returns
// EINVAL if samples is empty -- pprof requires at least one sample type
// value, and an empty profile is never a useful artifact to hand back.
func WriteProfile(samples []Sample) (*profile.Profile, defs.Err_t) {
	if len(samples) == 0 {
		return nil, -defs.EINVAL
	}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user-ns", Unit: "nanoseconds"},
			{Type: "sys-ns", Unit: "nanoseconds"},
		},
		TimeNanos: time.Now().UnixNano(),
	}
	fn := &profile.Function{ID: 1, Name: "task"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}

	for i, s := range samples {
		u, sy := s.Acc.Snapshot()
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{u, sy},
			Label: map[string][]string{
				"tid":  {strconv.Itoa(int(s.Tid))},
				"name": {s.Name},
			},
			NumLabel: map[string][]int64{"index": {int64(i)}},
		})
	}
	return p, 0
}
