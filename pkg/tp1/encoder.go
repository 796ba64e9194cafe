// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tp1

import (
	"time"

	"github.com/Thermoquad/tpbridge/pkg/phy"
)

// EncodeByte appends the 13 slots of one character to dst
func EncodeByte(dst phy.PulseTrain, b byte) phy.PulseTrain {
	dst = append(dst, slot(0))

	ones := 0
	for i := 0; i < 8; i++ {
		bit := (b >> i) & 1
		if bit == 1 {
			ones++
		}
		dst = append(dst, slot(bit))
	}

	dst = append(dst, slot(byte(ones&1)))

	// stop bit plus two idle slots
	return append(dst, 0, 0, 0)
}

// EncodeFrame encodes every byte of a frame into a single pulse train
func EncodeFrame(frame []byte) phy.PulseTrain {
	train := make(phy.PulseTrain, 0, len(frame)*SlotsPerByte)
	for _, b := range frame {
		train = EncodeByte(train, b)
	}
	return train
}

// Airtime returns the wire time needed for n bytes
func Airtime(n int) time.Duration {
	return time.Duration(n*SlotsPerByte) * BitPeriod
}

func slot(bit byte) uint16 {
	if bit == 0 {
		return ZeroPulseUS
	}
	return 0
}
