package kv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckKey(t *testing.T) {
	assert.NoError(t, CheckKey("marker:vague"))
	assert.ErrorIs(t, CheckKey(""), ErrBadKey)
	assert.ErrorIs(t, CheckKey("bad\x00key"), ErrBadKey)
	assert.NoError(t, CheckKey(strings.Repeat("k", 512)))
}

func TestRankWindow(t *testing.T) {
	tests := []struct {
		name             string
		start, stop, n   int
		wantFrom, wantTo int
		wantOK           bool
	}{
		{"whole set", 0, -1, 5, 0, 4, true},
		{"prefix", 0, 1, 5, 0, 1, true},
		{"stop past end", 2, 99, 5, 2, 4, true},
		{"tail", -2, -1, 5, 3, 4, true},
		{"start before begin", -99, 0, 5, 0, 0, true},
		{"empty set", 0, -1, 0, 0, 0, false},
		{"inverted", 3, 1, 5, 0, 0, false},
		{"start past end", 7, 9, 5, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := RankWindow(tt.start, tt.stop, tt.n)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantFrom, from)
				assert.Equal(t, tt.wantTo, to)
			}
		})
	}
}
