// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Thermoquad/tpbridge/pkg/tpuart"
)

// parseHexFrame parses frame bytes written as hex, with or without
// separating spaces or colons. Unless withChecksum is set the check byte
// is computed and appended.
func parseHexFrame(s string, withChecksum bool) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(strings.TrimSpace(s))
	clean = strings.TrimPrefix(strings.ToLower(clean), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty frame")
	}

	frame, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex frame: %v", err)
	}
	if !withChecksum {
		frame = tpuart.AppendChecksum(frame)
	}
	if len(frame) > tpuart.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", len(frame), tpuart.MaxFrameSize)
	}
	return frame, nil
}

// groupWriteFrame builds a standard priority group write carrying a
// 6-bit value in the APCI byte
func groupWriteFrame(source, group string, value byte) ([]byte, error) {
	src, err := tpuart.ParseIndividualAddress(source)
	if err != nil {
		return nil, err
	}
	dst, err := tpuart.ParseGroupAddress(group)
	if err != nil {
		return nil, err
	}
	if value > 0x3F {
		return nil, fmt.Errorf("value %d does not fit in 6 bits", value)
	}
	return tpuart.BuildFrame(0xBC, src, dst, true, 6, []byte{0x00, 0x80 | value})
}
