package executor_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/lassoctl/internal/errors"
	"codeberg.org/mutker/lassoctl/internal/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helperWithFixture(t *testing.T, cores ...string) (*executor.Helper, string) {
	t.Helper()
	root := t.TempDir()
	for _, core := range cores {
		dir := filepath.Join(root, "cpu"+core)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "online"), []byte("1\n"), 0o644))
	}

	return &executor.Helper{SysfsRoot: root}, root
}

func TestHelperParkWritesZero(t *testing.T) {
	helper, root := helperWithFixture(t, "3")

	err := helper.Execute(executor.Request{Op: executor.OpPark, Core: 3})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "cpu3", "online"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(content))
}

func TestHelperUnparkWritesOne(t *testing.T) {
	helper, root := helperWithFixture(t, "3")
	require.NoError(t, os.WriteFile(filepath.Join(root, "cpu3", "online"), []byte("0"), 0o644))

	err := helper.Execute(executor.Request{Op: executor.OpUnpark, Core: 3})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(root, "cpu3", "online"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(content))
}

func TestHelperMissingCoreIsTargetNotFound(t *testing.T) {
	helper, _ := helperWithFixture(t, "3")

	err := helper.Execute(executor.Request{Op: executor.OpPark, Core: 99})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTargetNotFound))
}

func TestHelperRejectsBeforeWriting(t *testing.T) {
	helper, root := helperWithFixture(t, "3")

	err := helper.Execute(executor.Request{Op: "shutdown", Core: 3})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidRequest))

	content, err := os.ReadFile(filepath.Join(root, "cpu3", "online"))
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(content), "no write may happen for a rejected request")
}

func TestRunCheckOnly(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, executor.ExitOK, executor.Run([]string{"--check-only"}, &stderr))
	assert.Empty(t, stderr.String())
}

func TestRunInvalidArgs(t *testing.T) {
	var stderr bytes.Buffer
	code := executor.Run([]string{"park", "not-a-number"}, &stderr)
	assert.Equal(t, executor.ExitInvalidRequest, code)
	assert.NotEmpty(t, stderr.String())
}
