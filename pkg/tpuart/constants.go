// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package tpuart implements the link layer of the gateway: the TP-UART
// compatible host protocol, KNX frame validation and the host and bus side
// parsing state machines.
package tpuart

import "time"

// Frame size limits
const (
	MaxFrameSize       = 23
	MinFrameSize       = 8
	headerSize         = 6 // control, source, destination, length
	StandardHeaderSize = 8
	ExtendedHeaderSize = 9
)

// Host → gateway services
const (
	ResetReq     = 0x01
	StateReq     = 0x02
	AckInfoReq   = 0x10 // low nibble carries the ack flags
	DataStartReq = 0x80
	DataContReq  = 0x80 // | index
	DataEndReq   = 0x40 // | index
)

// U_AckInformation flags
const (
	AckAddressed = 0x01
	AckBusy      = 0x02
	AckNack      = 0x04
)

// Gateway → host services
const (
	ResetInd        = 0x03
	StateInd        = 0x07
	DataCon         = 0x0B
	DataConSuccess  = 0x80
	DataStandardInd = 0x90
	DataExtendedInd = 0x10
	DataIndMask     = 0xD3
)

// U_State.ind error bits
const (
	StateSlaveCollision = 0x80
	StateReceiveError   = 0x40
	StateTransmitError  = 0x20
	StateProtocolError  = 0x10
	StateTempWarning    = 0x08
)

// Bus acknowledgment characters
const (
	BusAck  = 0xCC
	BusNack = 0x0C
	BusBusy = 0xC0
)

// Link timing defaults. The host idle timeout is measured on read
// timestamps and has to cover the granularity at which the serial driver
// hands bytes over (USB adapters deliver every 16ms).
const (
	DefaultHostIdleTimeout  = 100 * time.Millisecond
	DefaultInterByteTimeout = 1500 * time.Microsecond
	DefaultHostBaud         = 19200
)

// hostCharBits is the size of one 8E1 character on the host line
const hostCharBits = 11

// CharTime returns the time one host character occupies at baud
func CharTime(baud int) time.Duration {
	if baud <= 0 {
		baud = DefaultHostBaud
	}
	return hostCharBits * time.Second / time.Duration(baud)
}

// AckByte maps latched U_AckInformation flags to the bus acknowledgment.
// NACK takes precedence over BUSY, which takes precedence over ADDRESSED.
// It returns 0 when no flag is set.
func AckByte(flags byte) byte {
	switch {
	case flags&AckNack != 0:
		return BusNack
	case flags&AckBusy != 0:
		return BusBusy
	case flags&AckAddressed != 0:
		return BusAck
	default:
		return 0
	}
}
