// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// openCacheOnly builds an app with just the description cache.
func openCacheOnly(cmd *cobra.Command, root *rootFlags) (*app, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	ctx := commandContext(cmd)
	a, err := newBaseApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return nil, err
	}
	if err := a.openCache(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func runCacheList(cmd *cobra.Command, root *rootFlags) error {
	a, err := openCacheOnly(cmd, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	records := a.cache.Records()
	if len(records) == 0 {
		a.console.Warn("the description cache at %s is empty", a.cfg.Cache.Path)
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{r.Name, strings.Join(r.Addresses, ", ")})
	}
	a.console.Table([]string{"name", "addresses"}, rows)
	return nil
}

func runCacheShow(cmd *cobra.Command, root *rootFlags, name string) error {
	a, err := openCacheOnly(cmd, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	r, ok := a.cache.Lookup(name)
	if !ok {
		return fmt.Errorf("no cached description for %q", name)
	}
	a.console.Block(fmt.Sprintf("%s (%s)", r.Name, strings.Join(r.Addresses, ", ")), r.Markdown)
	return nil
}
