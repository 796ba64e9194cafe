// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package gateway

import "errors"

var (
	ErrWatchdog   = errors.New("gateway: bus task stalled")
	ErrHostClosed = errors.New("gateway: host connection closed")
)
