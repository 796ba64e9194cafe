// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tpuart

import "errors"

var (
	ErrInvalidLength     = errors.New("tpuart: invalid frame length")
	ErrChecksumMismatch  = errors.New("tpuart: checksum mismatch")
	ErrBufferFull        = errors.New("tpuart: buffer full")
	ErrBusBusy           = errors.New("tpuart: bus busy")
	ErrTimeout           = errors.New("tpuart: timeout")
	ErrInvalidParam      = errors.New("tpuart: invalid parameter")
	ErrProtocolViolation = errors.New("tpuart: protocol violation")
	ErrInvalidControl    = errors.New("tpuart: invalid control field")
	ErrInvalidAddress    = errors.New("tpuart: invalid address")
)
