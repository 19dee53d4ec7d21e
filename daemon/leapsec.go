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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NTPEpochOffset is the offset between the NTP epoch (1900) and the Unix
// epoch (1970) in seconds
const NTPEpochOffset = 2208988800

// LeapEntry is one leap second: at unix time When the TAI-UTC offset
// became Offset
type LeapEntry struct {
	When   int64
	Offset int
}

// LeapFile is a parsed NTP format leap-seconds file
type LeapFile struct {
	Entries []LeapEntry
	Expiry  time.Time
}

// ParseLeapFile reads an NTP format leap-seconds file: lines of
// "NTP_SECONDS TAI_OFFSET", an optional "#@ NTP_SECONDS" expiry marker,
// other comment lines ignored
func ParseLeapFile(path string) (*LeapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	l := &LeapFile{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#@") {
			fields := strings.Fields(line[2:])
			if len(fields) < 1 {
				continue
			}
			v, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad expiry line %q: %w", line, err)
			}
			l.Expiry = time.Unix(v-NTPEpochOffset, 0)
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("bad leap file line %q", line)
		}
		when, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad leap file line %q: %w", line, err)
		}
		offset, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("bad leap file line %q: %w", line, err)
		}
		l.Entries = append(l.Entries, LeapEntry{When: when - NTPEpochOffset, Offset: offset})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Expired reports whether the file's expiry has passed
func (l *LeapFile) Expired(now time.Time) bool {
	return !l.Expiry.IsZero() && now.After(l.Expiry)
}

// OffsetAt returns the TAI-UTC offset in effect at the given time
func (l *LeapFile) OffsetAt(t time.Time) int {
	offset := 0
	unix := t.Unix()
	for _, e := range l.Entries {
		if unix >= e.When {
			offset = e.Offset
		}
	}
	return offset
}

// NextLeap returns the next leap event after the given time: the moment
// the new offset takes effect and whether it's an insertion (leap61) or a
// deletion (leap59)
func (l *LeapFile) NextLeap(after time.Time) (when time.Time, leap61 bool, ok bool) {
	unix := after.Unix()
	prev := 0
	for _, e := range l.Entries {
		if e.When > unix {
			return time.Unix(e.When, 0), e.Offset > prev, true
		}
		prev = e.Offset
	}
	return time.Time{}, false, false
}

// InLeapPause reports whether now falls inside the quiet window of the
// given half-width around an upcoming leap event; offset and clock
// updates are gated while it's true
func (l *LeapFile) InLeapPause(now time.Time, pause time.Duration) bool {
	when, _, ok := l.NextLeap(now.Add(-pause))
	if !ok {
		return false
	}
	return now.After(when.Add(-pause)) && now.Before(when.Add(pause))
}
