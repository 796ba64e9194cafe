// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// tpbridge - KNX TP1 Gateway
//
// A gateway between a host controller speaking the TP-UART host services
// and a KNX TP1 line, with tools for monitoring and exercising the link.

package main

import (
	"os"

	"github.com/Thermoquad/tpbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
