// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import "fmt"

// EncodeDataRequest encodes a complete frame (check byte included) as the
// U_L_DataStart / U_L_DataCont / U_L_DataEnd request sequence a host sends
func EncodeDataRequest(frame []byte) ([]byte, error) {
	if len(frame) < 2 || len(frame) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(frame))
	}

	out := make([]byte, 0, len(frame)*2)
	out = append(out, DataStartReq, frame[0])
	for i := 1; i < len(frame)-1; i++ {
		out = append(out, DataContReq|byte(i), frame[i])
	}
	last := len(frame) - 1
	out = append(out, DataEndReq|byte(last), frame[last])

	return out, nil
}

// EncodeAckInfo encodes a U_AckInformation request
func EncodeAckInfo(flags byte) byte {
	return AckInfoReq | flags&0x07
}

// BuildFrame assembles a standard frame with its length nibble and check
// byte. tpdu holds the TPCI/APCI and application data.
func BuildFrame(control byte, source, destination uint16, group bool, hopCount byte, tpdu []byte) ([]byte, error) {
	if len(tpdu) == 0 || len(tpdu) > 16 {
		return nil, fmt.Errorf("%w: tpdu of %d bytes", ErrInvalidParam, len(tpdu))
	}

	npci := (hopCount & 0x07) << 4
	npci |= byte(len(tpdu)-1) & 0x0F
	if group {
		npci |= 0x80
	}

	frame := []byte{
		control,
		byte(source >> 8), byte(source),
		byte(destination >> 8), byte(destination),
		npci,
	}
	frame = append(frame, tpdu...)
	return AppendChecksum(frame), nil
}
