// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"fmt"
	"strings"
)

// FormatIndividualAddress renders an individual address as area.line.device
func FormatIndividualAddress(a uint16) string {
	return fmt.Sprintf("%d.%d.%d", a>>12, (a>>8)&0x0F, a&0xFF)
}

// FormatGroupAddress renders a group address in three-level notation
func FormatGroupAddress(a uint16) string {
	return fmt.Sprintf("%d/%d/%d", a>>11, (a>>8)&0x07, a&0xFF)
}

// FormatPriority returns the priority encoded in a control field
func FormatPriority(control byte) string {
	switch (control >> 2) & 0x03 {
	case 0:
		return "system"
	case 1:
		return "normal"
	case 2:
		return "urgent"
	default:
		return "low"
	}
}

// FormatFrame formats a frame on a single line
func FormatFrame(f Frame) string {
	if f.Len() < MinFrameSize-1 {
		return fmt.Sprintf("short frame [% X]", f.Bytes())
	}

	kind := "std"
	if f.Extended() {
		kind = "ext"
	}

	dst := FormatIndividualAddress(f.Destination())
	if f.GroupAddressed() {
		dst = FormatGroupAddress(f.Destination())
	}

	repeat := ""
	if f.Control()&0x20 == 0 {
		repeat = " repeated"
	}

	return fmt.Sprintf("%s %s -> %s prio=%s%s payload=[% X] cs=0x%02X",
		kind,
		FormatIndividualAddress(f.Source()),
		dst,
		FormatPriority(f.Control()),
		repeat,
		f.Payload(),
		f.CheckByte(),
	)
}

// FormatState describes the error bits of a U_State.ind
func FormatState(b byte) string {
	var flags []string
	if b&StateSlaveCollision != 0 {
		flags = append(flags, "SLAVE_COLLISION")
	}
	if b&StateReceiveError != 0 {
		flags = append(flags, "RECEIVE_ERROR")
	}
	if b&StateTransmitError != 0 {
		flags = append(flags, "TRANSMIT_ERROR")
	}
	if b&StateProtocolError != 0 {
		flags = append(flags, "PROTOCOL_ERROR")
	}
	if b&StateTempWarning != 0 {
		flags = append(flags, "TEMP_WARNING")
	}
	if len(flags) == 0 {
		return "OK"
	}
	return strings.Join(flags, "|")
}

// FormatIndication formats an indication into a human-readable line
func FormatIndication(ind *Indication) string {
	timestamp := ind.Timestamp.Format("15:04:05.000")

	switch ind.Kind {
	case IndFrame:
		return fmt.Sprintf("[%s] %s %s\n", timestamp, ind.Kind, FormatFrame(ind.Frame))
	case IndConfirm:
		result := "NEGATIVE"
		if ind.Success() {
			result = "POSITIVE"
		}
		return fmt.Sprintf("[%s] %s %s (0x%02X)\n", timestamp, ind.Kind, result, ind.Value)
	case IndState:
		return fmt.Sprintf("[%s] %s %s (0x%02X)\n", timestamp, ind.Kind, FormatState(ind.Value), ind.Value)
	case IndRaw:
		return fmt.Sprintf("[%s] %s 0x%02X%s\n", timestamp, ind.Kind, ind.Value, formatAckByte(ind.Value))
	default:
		return fmt.Sprintf("[%s] %s\n", timestamp, ind.Kind)
	}
}

func formatAckByte(b byte) string {
	switch b {
	case BusAck:
		return " (ACK)"
	case BusNack:
		return " (NACK)"
	case BusBusy:
		return " (BUSY)"
	default:
		return ""
	}
}
