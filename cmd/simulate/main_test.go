package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws/sos/abc", wsURL("http://localhost:8080", "/ws/sos/abc", ""))
	assert.Equal(t, "wss://api.example.com/ws/tracking/b1?token=t0k",
		wsURL("https://api.example.com", "/ws/tracking/b1", "t0k"))
}

func TestReadCodePreset(t *testing.T) {
	code, err := readCode("123456")
	assert.NoError(t, err)
	assert.Equal(t, "123456", code)
}
