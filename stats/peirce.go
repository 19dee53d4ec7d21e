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

package stats

import "math"

// Peirce's criterion for one doubtful observation, indexed by number of
// observations (1-based). Entries below 3 observations are -1: the test
// is undefined there.
var peirceTable = [60]float64{
	-1, -1, 1.196, 1.383, 1.509, 1.61, 1.693, 1.763, 1.824, 1.878,
	1.925, 1.969, 2.007, 2.043, 2.076, 2.106, 2.134, 2.161, 2.185, 2.209,
	2.23, 2.251, 2.271, 2.29, 2.307, 2.324, 2.341, 2.356, 2.371, 2.385,
	2.399, 2.412, 2.425, 2.438, 2.45, 2.461, 2.472, 2.483, 2.494, 2.504,
	2.514, 2.524, 2.533, 2.542, 2.551, 2.56, 2.568, 2.577, 2.585, 2.592,
	2.6, 2.608, 2.615, 2.622, 2.629, 2.636, 2.643, 2.65, 2.656, 2.663,
}

// PeirceCriterion returns the maximum deviation ratio for the given number
// of observations with one doubtful, or -1 when the test is undefined
// (below 3 or above 60 observations).
func PeirceCriterion(observations int) float64 {
	if observations < 1 || observations > len(peirceTable) {
		return -1.0
	}
	return peirceTable[observations-1]
}

// IsPeirceOutlier applies Peirce's criterion to a sample against the given
// windowed standard deviation container. The threshold scales the cutoff.
// The sample passes (not an outlier) when the test is undefined or when
// the deviation is zero and the filter would block everything.
func IsPeirceOutlier(container *MovingStdDev, sample float64, threshold float64) bool {
	if container == nil || container.MeanContainer == nil {
		return false
	}
	maxDev := container.StdDev * PeirceCriterion(container.Count()) * threshold
	if maxDev <= 0.0 {
		return false
	}
	return math.Abs(sample-container.Mean()) > maxDev
}
