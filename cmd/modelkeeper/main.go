// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command modelkeeper acquires and manages the on-device model.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	code := run(context.Background(), os.Args[1:])
	// Interrupts are handled by the commands, so the enclave holding the
	// repository token is wiped here rather than by memguard.CatchInterrupt.
	memguard.Purge()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), styleError.Render("Error: ")+err.Error())
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
