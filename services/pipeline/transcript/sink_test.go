// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

func sample(name string) datatypes.Transcript {
	return datatypes.Transcript{
		ID:      "id-" + name,
		Target:  datatypes.FunctionRef{Address: "0x1", Name: name},
		Attempt: 1,
		Messages: []datatypes.Message{
			{Role: datatypes.RoleSystem, Content: "sys"},
			{Role: datatypes.RoleUser, Content: "analyse"},
		},
		Responses: []datatypes.Message{{Role: datatypes.RoleAssistant, Content: "## verdict"}},
		SavedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileSink_AppendFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.txt")
	sink := NewFileSink(path)

	require.NoError(t, sink.Append(sample("DispatchIoctl")))
	require.NoError(t, sink.Append(sample("DispatchIoctl2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Equal(t, 2, strings.Count(text, "\n"+Separator+"\n"))
	assert.True(t, strings.HasPrefix(text, "{\n  \"id\": \"id-DispatchIoctl\""))
	assert.Len(t, Separator, 80)
}

func TestReadLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.txt")
	sink := NewFileSink(path)
	require.NoError(t, sink.Append(sample("a")))
	require.NoError(t, sink.Append(sample("b")))

	got, skipped, err := ReadLogFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Target.Name)
	assert.Equal(t, "## verdict", got[1].Responses[0].Content)
}

func TestReadLog_SkipsBrokenBlocks(t *testing.T) {
	input := "{ broken\n" + Separator + "\n" + `{"id":"x","target":{"address":"0x1","func_name":"f"}}` + "\n" + Separator + "\n"
	got, skipped, err := ReadLog(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, got, 1)
	assert.Equal(t, "f", got[0].Target.Name)
}

func TestMemorySink(t *testing.T) {
	var sink MemorySink
	require.NoError(t, sink.Append(sample("a")))
	got := sink.Transcripts()
	require.Len(t, got, 1)
	got[0].ID = "mutated"
	assert.Equal(t, "id-a", sink.Transcripts()[0].ID)
}
