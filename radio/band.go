// Copyright 2020 James P. Ancona

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

// 	http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package radio

import (
	"fmt"
	"strings"
)

// HamBand selects the per-band Alex and open collector settings.
type HamBand int

// HamBand values. BandGen covers every frequency outside an amateur band.
const (
	Band160m HamBand = iota
	Band80m
	Band60m
	Band40m
	Band30m
	Band20m
	Band17m
	Band15m
	Band12m
	Band10m
	Band6m
	BandGen
	bandCount
)

var bandEdges = [...]struct {
	band     HamBand
	name     string
	low, top uint32
}{
	{Band160m, "160m", 1800000, 2000000},
	{Band80m, "80m", 3500000, 4000000},
	{Band60m, "60m", 5330500, 5405000},
	{Band40m, "40m", 7000000, 7300000},
	{Band30m, "30m", 10100000, 10150000},
	{Band20m, "20m", 14000000, 14350000},
	{Band17m, "17m", 18068000, 18168000},
	{Band15m, "15m", 21000000, 21450000},
	{Band12m, "12m", 24890000, 24990000},
	{Band10m, "10m", 28000000, 29700000},
	{Band6m, "6m", 50000000, 54000000},
}

// BandForFrequency returns the amateur band containing f, or BandGen.
func BandForFrequency(f uint32) HamBand {
	for _, e := range bandEdges {
		if f >= e.low && f <= e.top {
			return e.band
		}
	}
	return BandGen
}

func (b HamBand) String() string {
	if b >= 0 && int(b) < len(bandEdges) {
		return bandEdges[b].name
	}
	return "gen"
}

// ParseBand accepts the names produced by String.
func ParseBand(s string) (HamBand, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, e := range bandEdges {
		if e.name == s {
			return e.band, nil
		}
	}
	if s == "gen" {
		return BandGen, nil
	}
	return BandGen, fmt.Errorf("unknown band %q", s)
}
