package esi_test

import (
	"strings"
	"testing"

	"github.com/lucasjones/reggen"
	"github.com/mireth/esigo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersCaseInsensitive(t *testing.T) {
	h := esi.NewHeaders()
	h.Set("Content-Type", "application/json")

	v, ok := h.Get("content-type")
	require.True(t, ok)
	assert.Equal(t, "application/json", v)

	v, ok = h.Get("CONTENT-TYPE")
	require.True(t, ok)
	assert.Equal(t, "application/json", v)
}

func TestHeadersOverlayOverwrites(t *testing.T) {
	base := esi.HeadersFromMap(map[string]string{"x-a": "1", "x-b": "2"})
	over := esi.HeadersFromMap(map[string]string{"x-b": "3", "x-c": "4"})

	merged := base.Overlay(over)

	b, _ := merged.Get("x-b")
	assert.Equal(t, "3", b)
	c, _ := merged.Get("x-c")
	assert.Equal(t, "4", c)
	a, _ := merged.Get("x-a")
	assert.Equal(t, "1", a)
}

func TestHeadersCloneIsIndependent(t *testing.T) {
	original := esi.HeadersFromMap(map[string]string{"x-a": "1"})
	clone := original.Clone()
	clone.Set("x-a", "2")

	v, _ := original.Get("x-a")
	assert.Equal(t, "1", v)
	v, _ = clone.Get("x-a")
	assert.Equal(t, "2", v)
}

// TestHeadersLookupIgnoresKeyCaseForArbitraryNames generates random
// realistic header names (lowercase letters and dashes) and checks that a
// name set in lowercase is found when looked up in uppercase, rather than
// trusting a handful of hand-picked examples.
func TestHeadersLookupIgnoresKeyCaseForArbitraryNames(t *testing.T) {
	for i := 0; i < 20; i++ {
		name, err := reggen.Generate(`x-[a-z]{3,8}-[a-z]{3,8}`, 8)
		require.NoError(t, err)

		h := esi.NewHeaders()
		h.Set(name, "v")

		v, ok := h.Get(strings.ToUpper(name))
		require.Truef(t, ok, "lookup of %q failed after Set(%q, ...)", strings.ToUpper(name), name)
		assert.Equal(t, "v", v)
	}
}
