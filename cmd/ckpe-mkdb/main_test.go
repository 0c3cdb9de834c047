package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/pgaskin/ckpe/relocdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	db := filepath.Join("..", "..", "relocdb", "testdata", "db.yaml")

	a, err := load(db, "")
	require.NoError(t, err)
	b, err := load(db, "yaml")
	require.NoError(t, err)
	assert.Equal(t, len(a.Builds()), len(b.Builds()))

	_, err = load(db, "relb")
	assert.Error(t, err)
	_, err = load(db, "json")
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	table, err := load(filepath.Join("..", "..", "relocdb", "testdata", "db.yaml.xz"), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	summarize(&buf, table)
	assert.Contains(t, buf.String(), "fallout4-1.10.162 (1.10.162.0) timestamp=0x5d5f1b4c size=0x3f6d000\n")
	assert.Contains(t, buf.String(), "skyrim-se-1.6.438 (1.6.438.0) timestamp=0x61a8a7f6 size=0x0\n")

	var relb bytes.Buffer
	require.NoError(t, relocdb.WriteBinary(&relb, table))
	round, err := relocdb.ParseBinary(relb.Bytes())
	require.NoError(t, err)
	var buf2 bytes.Buffer
	summarize(&buf2, round)
	assert.Equal(t, buf.String(), buf2.String())
}
