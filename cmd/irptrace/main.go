// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command irptrace drives the IoCreateDevice dispatch analysis pipeline
// against a disassembler-backed analysis backend.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	code := 0
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}
	// Wipe any sealed API keys before exit.
	memguard.Purge()
	os.Exit(code)
}
