package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traceai/internal/fault"
	"traceai/internal/ir"
)

func TestRegistry_DispatchCaseInsensitive(t *testing.T) {
	r := DefaultRegistry()

	p, ok := r.ParserFor("JOBS/NIGHTLY.JCL")
	require.True(t, ok)
	assert.Equal(t, ir.DocJCL, p.Kind())

	p, ok = r.ParserFor("progs/cust001.CBL")
	require.True(t, ok)
	assert.Equal(t, ir.DocCOBOL, p.Kind())

	_, ok = r.ParserFor("readme.md")
	assert.False(t, ok)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewJCLParser()))
	err := r.Register(NewJCLParser())
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.InvalidArgument))
}

func TestRegistry_ValidateSkipsUnparseable(t *testing.T) {
	r := DefaultRegistry()
	// Right extension, wrong header: admission should reject it cheaply.
	path := writeFixture(t, "fake.jcl", "this is not jcl\n")
	assert.False(t, r.Validate(path))

	good := writeFixture(t, "real.jcl", "//J1 JOB X\n//S1 EXEC PGM=P\n")
	assert.True(t, r.Validate(good))
}

func TestRegistry_Extensions(t *testing.T) {
	exts := DefaultRegistry().Extensions()
	assert.Equal(t, []string{".cbl", ".cob", ".csv", ".dtsx", ".jcl", ".json", ".xlsx"}, exts)
}
