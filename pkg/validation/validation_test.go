package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRoomName(t *testing.T) {
	tests := []struct {
		room  string
		valid bool
	}{
		{"abcd-efgh-ijkl", true},
		{"zzzz-aaaa-mmmm", true},
		{"", false},
		{"ABCD-efgh-ijkl", false},
		{"abcd-efgh", false},
		{"abcd-efgh-ijklm", false},
		{"abc1-efgh-ijkl", false},
		{"/abcd-efgh-ijkl", false},
	}

	for _, tt := range tests {
		t.Run(tt.room, func(t *testing.T) {
			err := ValidateRoomName(tt.room)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidatePeerID(t *testing.T) {
	assert.NoError(t, ValidatePeerID("3f1c2b9e-5a7d-4c1e-9b2a-6d8e0f4a1b3c"))
	assert.Error(t, ValidatePeerID(""))
	assert.Error(t, ValidatePeerID("peer id"))
	assert.Error(t, ValidatePeerID(strings.Repeat("a", 101)))
}

func TestValidateDisplayName(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("Ada"))
	assert.NoError(t, ValidateDisplayName("Zoë 🎧"))
	assert.Error(t, ValidateDisplayName("   "))
	assert.Error(t, ValidateDisplayName(strings.Repeat("x", 65)))
}

func TestValidateFileName(t *testing.T) {
	assert.NoError(t, ValidateFileName("notes.txt"))
	assert.NoError(t, ValidateFileName("photo 2024-01-01.jpg"))
	assert.Error(t, ValidateFileName(""))
	assert.Error(t, ValidateFileName("../etc/passwd"))
	assert.Error(t, ValidateFileName(`dir\file`))
	assert.Error(t, ValidateFileName(".."))
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("ws://localhost:8080"))
	assert.NoError(t, ValidateURL("https://relay.example.org"))
	assert.Error(t, ValidateURL(""))
	assert.Error(t, ValidateURL("ftp://example.org"))
	assert.Error(t, ValidateURL("ws://"))
}
