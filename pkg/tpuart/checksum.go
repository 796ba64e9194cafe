// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

// Checksum returns the KNX frame check byte: the inverted XOR of data.
// data is the frame without its trailing check byte.
func Checksum(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return ^x
}

// AppendChecksum returns data with its check byte appended
func AppendChecksum(data []byte) []byte {
	return append(data, Checksum(data))
}

// ExpectedLength returns the total frame length announced by the length
// nibble of a standard frame, or 0 if the header is incomplete
func ExpectedLength(frame []byte) int {
	if len(frame) < headerSize {
		return 0
	}
	return headerSize + int(frame[5]&0x0F) + 2
}
