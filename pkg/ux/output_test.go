// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Marker Tests
// =============================================================================

func TestMarker_RenderUsesMarkerStyle(t *testing.T) {
	tests := []struct {
		marker Marker
		style  interface{ Render(...string) string }
	}{
		{MarkerStep, Styles.Step},
		{MarkerBlock, Styles.Block},
		{MarkerWarning, Styles.Warning},
	}
	for _, tt := range tests {
		t.Run(string(tt.marker), func(t *testing.T) {
			assert.Equal(t, tt.style.Render(string(tt.marker)), tt.marker.Render())
		})
	}
}

func TestMarker_UnknownIsUnstyled(t *testing.T) {
	assert.Equal(t, "[x]", Marker("[x]").Render())
}

// =============================================================================
// Styles Tests
// =============================================================================

func TestStyles_Palette(t *testing.T) {
	assert.Equal(t, ColorTealPrimary, Styles.Step.GetForeground())
	assert.Equal(t, ColorTealBright, Styles.Block.GetForeground())
	assert.Equal(t, ColorWarning, Styles.Warning.GetForeground())
	assert.Equal(t, ColorSlate, Styles.Muted.GetForeground())

	assert.True(t, Styles.Step.GetBold())
	assert.True(t, Styles.Heading.GetUnderline())
	assert.False(t, Styles.Muted.GetBold())
}
