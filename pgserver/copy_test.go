package pgserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCopyFrom(t *testing.T) {
	cs, err := parseCopy("COPY people (id, name) FROM STDIN WITH (FORMAT CSV, HEADER)")
	require.NoError(t, err)
	assert.False(t, cs.to)
	assert.Equal(t, "", cs.schema)
	assert.Equal(t, "people", cs.table)
	assert.Equal(t, []string{"id", "name"}, cs.columns)
	assert.Equal(t, formatCSV, cs.format)
	assert.Equal(t, byte(','), cs.delimiter)
	assert.Equal(t, "", cs.null)
	assert.True(t, cs.header)

	cs, err = parseCopy("COPY sales.orders FROM STDIN")
	require.NoError(t, err)
	assert.Equal(t, "sales", cs.schema)
	assert.Equal(t, "orders", cs.table)
	assert.Nil(t, cs.columns)
	assert.Equal(t, formatText, cs.format)
	assert.Equal(t, byte('\t'), cs.delimiter)
	assert.Equal(t, `\N`, cs.null)
	assert.False(t, cs.header)
}

func TestParseCopyOptions(t *testing.T) {
	cs, err := parseCopy(`COPY t FROM STDIN WITH (FORMAT CSV, DELIMITER ';', NULL 'NULL')`)
	require.NoError(t, err)
	assert.Equal(t, byte(';'), cs.delimiter)
	assert.Equal(t, "NULL", cs.null)

	_, err = parseCopy("COPY t FROM STDIN WITH (FORMAT BINARY)")
	require.Error(t, err)

	_, err = parseCopy(`COPY t FROM STDIN WITH (DELIMITER 'ab')`)
	require.Error(t, err)
}

func TestParseCopyTo(t *testing.T) {
	cs, err := parseCopy("COPY (SELECT a, b FROM t WHERE a > 1) TO STDOUT WITH (FORMAT CSV)")
	require.NoError(t, err)
	assert.True(t, cs.to)
	assert.Empty(t, cs.table)
	assert.Contains(t, cs.query, "SELECT a, b FROM t")
	assert.Equal(t, "", cs.destination)

	cs, err = parseCopy("COPY people TO 's3://exports/people.csv' WITH (FORMAT CSV, HEADER)")
	require.NoError(t, err)
	assert.True(t, cs.to)
	assert.Equal(t, "people", cs.table)
	assert.Equal(t, "s3://exports/people.csv", cs.destination)
	assert.True(t, cs.header)
}

func TestParseCopyRejectsNonCopy(t *testing.T) {
	_, err := parseCopy("SELECT 1")
	assert.Error(t, err)

	_, err = parseCopy("COPY t FROM '/tmp/file.csv'")
	assert.Error(t, err)
}

func TestCommandCompleteTag(t *testing.T) {
	assert.Equal(t, "SELECT 3", commandCompleteTag("SELECT", 3))
	assert.Equal(t, "INSERT 0 2", commandCompleteTag("INSERT", 2))
	assert.Equal(t, "COPY 10", commandCompleteTag("COPY", 10))
	assert.Equal(t, "BEGIN", commandCompleteTag("BEGIN", 0))
	assert.Equal(t, "OK", commandCompleteTag("", 0))
}
