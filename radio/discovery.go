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
	"log"
	"net"
	"strconv"
	"time"
)

// ErrNoDevice is returned when discovery finds nothing to talk to.
var ErrNoDevice = errors.New("no HPSDR device found")

// Board ids reported in byte 10 of a discovery reply
const (
	boardMetis  = 0
	boardHermes = 1
)

// settleTime is how long discovery keeps listening after the first reply.
var settleTime = 250 * time.Millisecond

// Device is a discovered network SDR
type Device struct {
	Name            string
	Board           byte
	SoftwareVersion byte
	// Status is 2 for an idle board and 3 for one already streaming.
	Status  byte
	Network struct {
		MacAddress    net.HardwareAddr
		Address       *net.UDPAddr
		InterfaceName string
	}
}

func (d Device) String() string {
	return fmt.Sprintf("%s v%d at %v (%v)", d.Name, d.SoftwareVersion, d.Network.Address, d.Network.MacAddress)
}

// Busy reports whether the board is already sending data to another host.
func (d Device) Busy() bool {
	return d.Status == 3
}

func boardName(id byte) string {
	switch id {
	case boardMetis:
		return "Metis"
	case boardHermes:
		return "Hermes"
	case 2:
		return "Griffin"
	case 4:
		return "Angelia"
	case 5:
		return "Orion"
	case 6:
		return "Hermes Lite"
	case 10:
		return "Orion 2"
	}
	return "Unknown"
}

// parseDiscoveryReply decodes a reply to the discovery broadcast.
func parseDiscoveryReply(buf []byte, from *net.UDPAddr) (Device, bool) {
	var d Device
	if len(buf) < 11 || buf[0] != 0xEF || buf[1] != 0xFE {
		return d, false
	}
	if buf[2] != 2 && buf[2] != 3 {
		return d, false
	}
	d.Status = buf[2]
	d.Network.MacAddress = append(net.HardwareAddr(nil), buf[3:9]...)
	d.SoftwareVersion = buf[9]
	d.Board = buf[10]
	d.Name = boardName(d.Board)
	d.Network.Address = from
	return d, true
}

// DiscoverDevices broadcasts a discovery request on every up IPv4 interface
// and returns all boards that answer within timeout.
func DiscoverDevices(timeout time.Duration) ([]Device, error) {
	devices := make([]Device, 0)
	ifl, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("Unable to get network interfaces: %w", err)
	}
	bca := &net.UDPAddr{IP: net.IPv4bcast, Port: MetisPort}
	for _, ifa := range ifl {
		if ifa.Flags&net.FlagUp == 0 || ifa.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifa.Addrs()
		if err != nil {
			return nil, fmt.Errorf("Unable to get network interface addresses: %w", err)
		}
		for _, a := range addrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil || ip.To4() == nil {
				continue
			}
			log.Printf("[DEBUG] DiscoverDevices: looking for HPSDR devices on %s (%v)", ifa.Name, ip)
			conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip})
			if err != nil {
				log.Printf("[DEBUG] DiscoverDevices: %v", err)
				continue
			}
			found, err := discover(conn, bca, timeout)
			conn.Close()
			if err != nil {
				log.Printf("[DEBUG] Failure doing discovery on interface %v: %v", ifa.Name, err)
				continue
			}
			for i := range found {
				found[i].Network.InterfaceName = ifa.Name
			}
			devices = append(devices, found...)
		}
	}
	return devices, nil
}

// DiscoverDevice sends a directed discovery request to one address, for
// boards on a routed network that broadcasts cannot reach.
func DiscoverDevice(address string, timeout time.Duration) (*Device, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(MetisPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("Unable to resolve UDP address %v: %w", address, err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	found, err := discover(conn, addr, timeout)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w at %v", ErrNoDevice, addr)
	}
	return &found[0], nil
}

// discover runs one discovery session on conn. It waits up to timeout for the
// first reply, then collects further replies for settleTime.
func discover(conn *net.UDPConn, target *net.UDPAddr, timeout time.Duration) ([]Device, error) {
	// replies queue in the socket until discoverReceive reads them
	if _, err := conn.WriteToUDP(EncodeCommand(metisDiscovery, 0), target); err != nil {
		return nil, fmt.Errorf("Error sending discovery packet: %w", err)
	}
	found := make(chan Device)
	go discoverReceive(conn, found, timeout)
	devices := make([]Device, 0)
	for device := range found {
		log.Printf("[DEBUG] found: %v", device)
		devices = append(devices, device)
	}
	return devices, nil
}

func discoverReceive(conn *net.UDPConn, found chan<- Device, timeout time.Duration) {
	defer close(found)
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	buffer := make([]byte, 2048)
	for {
		l, rmAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				log.Printf("[DEBUG] discoverReceive: error reading from UDP: %v", err)
			}
			return
		}
		log.Printf("[DEBUG] discoverReceive: packet received from %v: % x", rmAddr, buffer[:l])
		d, ok := parseDiscoveryReply(buffer[:l], rmAddr)
		if !ok {
			continue
		}
		found <- d
		if settle := time.Now().Add(settleTime); settle.Before(deadline) {
			deadline = settle
			conn.SetReadDeadline(deadline)
		}
	}
}
