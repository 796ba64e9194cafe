// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIndividualAddress parses area.line.device notation
func ParseIndividualAddress(s string) (uint16, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q is not area.line.device", ErrInvalidAddress, s)
	}

	limits := []uint64{0x0F, 0x0F, 0xFF}
	var v [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil || n > limits[i] {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		v[i] = n
	}
	return uint16(v[0]<<12 | v[1]<<8 | v[2]), nil
}

// ParseGroupAddress parses three-level (main/middle/sub) or two-level
// (main/sub) group address notation
func ParseGroupAddress(s string) (uint16, error) {
	parts := strings.Split(s, "/")

	var limits []uint64
	switch len(parts) {
	case 3:
		limits = []uint64{0x1F, 0x07, 0xFF}
	case 2:
		limits = []uint64{0x1F, 0x7FF}
	default:
		return 0, fmt.Errorf("%w: %q is not a group address", ErrInvalidAddress, s)
	}

	v := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n > limits[i] {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		v[i] = n
	}

	if len(v) == 2 {
		return uint16(v[0]<<11 | v[1]), nil
	}
	return uint16(v[0]<<11 | v[1]<<8 | v[2]), nil
}
