/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// AlarmUpdateInterval is how often the alarm engine processes conditions
const AlarmUpdateInterval = 1.0 // seconds

// AlarmID identifies one alarm of the static set
type AlarmID int

// The alarm set
const (
	AlarmPortState AlarmID = iota
	AlarmOFMThreshold
	AlarmOFMSeconds
	AlarmClockStep
	AlarmNoSync
	AlarmNoDelay
	AlarmMasterChange
	AlarmNetworkFault
	AlarmFastAdj
	AlarmTimePropChange
	AlarmDomainMismatch
	alarmCount
)

// AlarmState is the lifecycle state of a latching alarm
type AlarmState int

// Alarm lifecycle
const (
	// AlarmUnset means the alarm is not active
	AlarmUnset AlarmState = iota
	// AlarmSet means the condition is present
	AlarmSet
	// AlarmCleared means the condition went away but the alarm is
	// debouncing before it unsets
	AlarmCleared
)

func (s AlarmState) String() string {
	switch s {
	case AlarmSet:
		return "SET"
	case AlarmCleared:
		return "CLEARED"
	}
	return "UNSET"
}

// AlarmHandler reacts to an alarm firing or fully clearing
type AlarmHandler func(a *AlarmEntry, cleared bool)

// AlarmEntry is one alarm with its debounce state
type AlarmEntry struct {
	ID          AlarmID
	ShortName   string
	Name        string
	Description string
	// EventOnly alarms fire handlers on every true condition tick and
	// carry no state
	EventOnly bool

	State     AlarmState
	Condition bool
	Unhandled bool
	Enabled   bool

	// Age counts seconds since the last condition change
	Age float64
	// MinAge is the debounce: a cleared alarm stays CLEARED at least
	// this long before unsetting
	MinAge float64

	TimeSet     time.Time
	TimeCleared time.Time

	// EventData is a snapshot of port state captured when the
	// condition changed
	EventData AlarmEventData

	Handlers []AlarmHandler
}

// AlarmEventData is the port state snapshot alarms capture
type AlarmEventData struct {
	PortState       string
	OffsetFromMaster string
	MeanPathDelay   string
	GrandmasterID   string
}

// logAlarmHandler is the default handler, it writes to the daemon log
func logAlarmHandler(a *AlarmEntry, cleared bool) {
	if a.EventOnly {
		log.Infof("event %s: %s", a.Name, a.Description)
		return
	}
	if cleared {
		log.Infof("alarm %s cleared: %s", a.Name, a.Description)
	} else {
		log.Warningf("alarm %s set: %s", a.Name, a.Description)
	}
}

// AlarmSet is the static alarm vector of one port
type AlarmSet struct {
	alarms [alarmCount]AlarmEntry
}

// NewAlarmSet lays out the alarm vector from the template
func NewAlarmSet(minAge float64, enabled bool) *AlarmSet {
	s := &AlarmSet{}
	template := []AlarmEntry{
		{ID: AlarmPortState, ShortName: "STA", Name: "PORT_STATE", Description: "Port state different to expected value"},
		{ID: AlarmOFMThreshold, ShortName: "OFM", Name: "OFM_THRESHOLD", Description: "Offset from master outside threshold"},
		{ID: AlarmOFMSeconds, ShortName: "OFMS", Name: "OFM_SECONDS", Description: "Offset from master above 1 second"},
		{ID: AlarmClockStep, ShortName: "STEP", Name: "CLOCK_STEP", Description: "Clock was stepped", EventOnly: true},
		{ID: AlarmNoSync, ShortName: "SYN", Name: "NO_SYNC", Description: "Clock is not receiving Sync messages"},
		{ID: AlarmNoDelay, ShortName: "DLY", Name: "NO_DELAY", Description: "Clock is not receiving delay responses"},
		{ID: AlarmMasterChange, ShortName: "MSTC", Name: "MASTER_CHANGE", Description: "Best master has changed", EventOnly: true},
		{ID: AlarmNetworkFault, ShortName: "NWFL", Name: "NETWORK_FAULT", Description: "A network fault has occurred"},
		{ID: AlarmFastAdj, ShortName: "FADJ", Name: "FAST_ADJ", Description: "Clock is being adjusted too fast"},
		{ID: AlarmTimePropChange, ShortName: "TPR", Name: "TIMEPROP_CHANGE", Description: "Time properties have changed", EventOnly: true},
		{ID: AlarmDomainMismatch, ShortName: "DOM", Name: "DOMAIN_MISMATCH", Description: "Clock is receiving all messages from incorrect domain"},
	}
	for _, t := range template {
		t.MinAge = minAge
		t.Enabled = enabled
		t.Handlers = []AlarmHandler{logAlarmHandler}
		s.alarms[t.ID] = t
	}
	return s
}

// Get returns the alarm entry by id
func (s *AlarmSet) Get(id AlarmID) *AlarmEntry {
	return &s.alarms[id]
}

// Enable flips all alarms on or off
func (s *AlarmSet) Enable(enabled bool) {
	for i := range s.alarms {
		s.alarms[i].Enabled = enabled
	}
}

// AddHandler attaches an extra handler to an alarm
func (s *AlarmSet) AddHandler(id AlarmID, h AlarmHandler) {
	s.alarms[id].Handlers = append(s.alarms[id].Handlers, h)
}

// SetCondition feeds a producer observation into an alarm. No-op
// transitions are ignored; clearing defers while the previous event is
// still unhandled.
func (s *AlarmSet) SetCondition(id AlarmID, condition bool, snapshot AlarmEventData) {
	a := &s.alarms[id]
	if !a.Enabled {
		return
	}
	if condition == a.Condition {
		return
	}
	if !condition && a.Unhandled {
		return
	}

	a.EventData = snapshot

	if condition {
		a.TimeSet = time.Now()
	} else {
		a.TimeCleared = time.Now()
	}

	log.Debugf("alarm %s condition set to %v", a.Name, condition)

	a.Age = 0
	a.Condition = condition
	a.Unhandled = true
}

func dispatch(a *AlarmEntry, cleared bool) {
	for _, h := range a.Handlers {
		h(a, cleared)
	}
}

// Update runs one alarm engine pass; call it every AlarmUpdateInterval
// seconds. Debounce keeps an alarm visible at least MinAge seconds: the
// set notification fires only on UNSET to SET, and the clear notification
// only after the condition is gone and the alarm aged out.
func (s *AlarmSet) Update() {
	for i := range s.alarms {
		a := &s.alarms[i]
		if !a.Enabled {
			continue
		}
		lastState := a.State
		if a.EventOnly {
			if a.Condition {
				dispatch(a, false)
				// events carry no state: consume the condition
				a.Condition = false
			}
			a.Unhandled = false
			continue
		}

		if !a.Condition {
			if a.State == AlarmCleared && a.Age >= a.MinAge {
				a.State = AlarmUnset
				dispatch(a, true)
				a.TimeSet = time.Time{}
				a.TimeCleared = time.Time{}
			} else if a.State == AlarmSet {
				a.State = AlarmCleared
			}
		} else if a.Age == 0 {
			a.State = AlarmSet
			if lastState == AlarmUnset {
				dispatch(a, false)
			}
		}
		a.Age += AlarmUpdateInterval
		a.Unhandled = false
	}
}

// Summary is a one line listing of the active alarms: CODE[!] for set,
// CODE[.] for cleared, unset alarms are omitted
func (s *AlarmSet) Summary() string {
	var b strings.Builder
	for i := range s.alarms {
		a := &s.alarms[i]
		if a.EventOnly || a.State == AlarmUnset {
			continue
		}
		marker := "."
		if a.State == AlarmSet {
			marker = "!"
		}
		fmt.Fprintf(&b, "%s[%s] ", a.ShortName, marker)
	}
	return strings.TrimSpace(b.String())
}
