package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrintTableAlignsColumns(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"NAME", "ID"}, [][]string{
		{"Budget 2026", "f1"},
		{"Notes", "file-long-id"},
	})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), "NAME")
	assert.Contains(t, string(lines[1]), "Budget 2026  f1")
}

func TestFormatTime(t *testing.T) {
	now := time.Now()

	sameYear := time.Date(now.Year(), time.March, 5, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, "Mar  5 14:30", formatTime(sameYear))

	otherYear := time.Date(now.Year()-2, time.March, 5, 14, 30, 0, 0, time.UTC)
	assert.Contains(t, formatTime(otherYear), "Mar  5")
	assert.NotContains(t, formatTime(otherYear), "14:30")
}

func TestFormatRFC3339(t *testing.T) {
	assert.Empty(t, formatRFC3339(""))
	assert.Equal(t, "not-a-time", formatRFC3339("not-a-time"))
	assert.NotEmpty(t, formatRFC3339("2026-03-05T14:30:00Z"))
}
