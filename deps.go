// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipupm

import "sort"

// depGraph maps a core to the cores it depends on. A core sleeps before
// its dependencies and wakes after them.
type depGraph map[CoreID][]CoreID

// sleepOrder orders nodes so every core comes before its dependencies.
// Edges to cores outside nodes are ignored.
func (g depGraph) sleepOrder(nodes []CoreID) []CoreID {
	in := make(map[CoreID]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}
	// pending counts the dependents of each node still to be placed.
	pending := make(map[CoreID]int, len(nodes))
	for _, n := range nodes {
		for _, d := range g[n] {
			if in[d] {
				pending[d]++
			}
		}
	}
	var ready, order []CoreID
	for _, n := range nodes {
		if pending[n] == 0 {
			ready = append(ready, n)
		}
	}
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range g[n] {
			if !in[d] {
				continue
			}
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return order
}

// wakeOrder is the reverse of sleepOrder.
func (g depGraph) wakeOrder(nodes []CoreID) []CoreID {
	order := g.sleepOrder(nodes)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
