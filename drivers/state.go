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

package drivers

// State is the clock driver state. The numeric order matters: best clock
// selection treats a higher state as a better clock, so the "suspended"
// family sorts below INIT and LOCKED sits on top.
type State int

// Clock driver states
const (
	// StateNegStep means the clock is locked up after refusing a
	// negative step, waiting for the operator
	StateNegStep State = iota
	// StateStep means updates are suspended after an offset of a second
	// or more was seen (panic mode)
	StateStep
	// StateHWFault means the driver's health check failed
	StateHWFault
	// StateInit means the driver was just created
	StateInit
	// StateFreeRun means the clock runs on its own oscillator
	StateFreeRun
	// StateTracking means the clock is being steered but is not stable yet
	StateTracking
	// StateHoldover means the reference was lost while synchronized and
	// the clock drifts on its last good frequency
	StateHoldover
	// StateLocked means the clock is steered and stable
	StateLocked
)

var stateToString = map[State]string{
	StateNegStep:  "NEGSTEP",
	StateStep:     "STEP",
	StateHWFault:  "HWFAULT",
	StateInit:     "INIT",
	StateFreeRun:  "FREERUN",
	StateTracking: "TRACKING",
	StateHoldover: "HOLDOVER",
	StateLocked:   "LOCKED",
}

var stateToShortString = map[State]string{
	StateNegStep:  "NSTP",
	StateStep:     "STEP",
	StateHWFault:  "HWFL",
	StateInit:     "INIT",
	StateFreeRun:  "FREE",
	StateTracking: "TRCK",
	StateHoldover: "HOLD",
	StateLocked:   "LOCK",
}

func (s State) String() string {
	v, ok := stateToString[s]
	if !ok {
		return "UNKNOWN"
	}
	return v
}

// ShortString returns the four letter state code used in status lines
func (s State) ShortString() string {
	v, ok := stateToShortString[s]
	if !ok {
		return "UNKN"
	}
	return v
}

// StepType is the clock's reaction to an offset of a second or more
type StepType int

// Step policies
const (
	// StepNever never steps the clock, slewing at maximum rate instead
	StepNever StepType = iota
	// StepAlways steps the clock whenever the offset calls for it
	StepAlways
	// StepStartup steps only on the first update and only if the offset
	// is a second or more
	StepStartup
	// StepStartupForce always steps on the first update, regardless of
	// offset magnitude; a negative step is still subject to NegativeStep
	StepStartupForce
)

// RefClass ranks reference sources; lower is better
type RefClass int

// Reference classes
const (
	// RefClassPTP is a reference disciplined by the PTP port
	RefClassPTP RefClass = 0
	// RefClassExternal is an external reference like GNSS or PPS
	RefClassExternal RefClass = 1
	// RefClassInternal is another clock in this process
	RefClassInternal RefClass = 2
	// RefClassNone marks a driver with no reference
	RefClassNone RefClass = -1
)
