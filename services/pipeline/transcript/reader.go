// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
)

// ReadLog parses a transcript log written by FileSink.
//
// Records are split on separator lines. Blocks that fail to decode are
// skipped and counted in the second return value.
func ReadLog(r io.Reader) ([]datatypes.Transcript, int, error) {
	var (
		out     []datatypes.Transcript
		skipped int
		block   strings.Builder
	)

	flush := func() {
		text := strings.TrimSpace(block.String())
		block.Reset()
		if text == "" {
			return
		}
		var t datatypes.Transcript
		if err := json.Unmarshal([]byte(text), &t); err != nil {
			skipped++
			return
		}
		out = append(out, t)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == Separator {
			flush()
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read transcript log: %w", err)
	}
	flush()
	return out, skipped, nil
}

// ReadLogFile opens path and calls ReadLog.
func ReadLogFile(path string) ([]datatypes.Transcript, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open transcript log: %w", err)
	}
	defer f.Close()
	return ReadLog(f)
}
