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
	"errors"
	"fmt"

	"github.com/hashicorp/go-version"
)

// Errors returned by firmware negotiation
var (
	ErrBoardMismatch = errors.New("board does not match selected hardware")
	ErrFirmwareLimit = errors.New("firmware does not support configuration")
)

// Wideband block sizes in samples
const (
	SmallWidebandSize = 4096
	BigWidebandSize   = 16384
)

var (
	mercuryMultiRx = version.MustConstraints(version.NewConstraint(">= 3.3"))
	hermesMultiRx  = version.MustConstraints(version.NewConstraint(">= 1.8"))
)

// FirmwareInfo holds the firmware bytes reported in round robin slot 0.
// A zero value means the board has not reported.
type FirmwareInfo struct {
	Mercury  byte
	Penelope byte
	Metis    byte
	Hermes   byte
}

// FirmwareVersion converts a firmware byte such as 33 into version 3.3.
func FirmwareVersion(b byte) *version.Version {
	return version.Must(version.NewVersion(fmt.Sprintf("%d.%d", b/10, b%10)))
}

// WidebandSize returns the wideband block size the firmware streams.
func (f FirmwareInfo) WidebandSize() int {
	if f.Mercury > 32 || f.Hermes > 16 {
		return BigWidebandSize
	}
	return SmallWidebandSize
}

// Check validates the reported firmware against the selected hardware model,
// the discovered board name and the requested receiver count.
func (f FirmwareInfo) Check(iface HWInterface, board string, receivers int) error {
	switch {
	case iface == Metis && f.Metis != 0 && board == "Hermes":
		return fmt.Errorf("%w: Metis selected, but Hermes found!", ErrBoardMismatch)
	case iface == Hermes && f.Hermes != 0 && board == "Metis":
		return fmt.Errorf("%w: Hermes selected, but Metis found!", ErrBoardMismatch)
	case board == "Metis" && receivers > 4 && !mercuryMultiRx.Check(FirmwareVersion(f.Mercury)):
		return fmt.Errorf("%w: Mercury FW < V3.3 has only 4 receivers!", ErrFirmwareLimit)
	case board == "Hermes" && receivers > 2 && !hermesMultiRx.Check(FirmwareVersion(f.Hermes)):
		return fmt.Errorf("%w: Hermes FW < V1.8 has only 2 receivers!", ErrFirmwareLimit)
	}
	return nil
}
