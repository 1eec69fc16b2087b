// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/irptrace/cmd/irptrace/config"
)

func runConfigInit(cmd *cobra.Command, root *rootFlags, force bool) error {
	if err := config.Init(root.configPath, force); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[+] wrote default config to %s\n", root.configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, root *rootFlags) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	data, err := config.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
