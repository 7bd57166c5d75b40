package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlagsRequiresMachineName(t *testing.T) {
	_, err := parseFlags(nil)
	require.Error(t, err)
}

func TestParseFlagsAcceptsMachineName(t *testing.T) {
	flags, err := parseFlags([]string{"myvm"})
	require.NoError(t, err)
	assert.Equal(t, "myvm", flags.machineName)
	assert.False(t, flags.debug)
	assert.False(t, flags.verbose)
}

func TestParseFlagsDebugAndVerbose(t *testing.T) {
	flags, err := parseFlags([]string{"-d", "-v", "myvm"})
	require.NoError(t, err)
	assert.True(t, flags.debug)
	assert.True(t, flags.verbose)
}

func TestParseFlagsHelp(t *testing.T) {
	_, err := parseFlags([]string{"-h"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errHelpRequested))
}

func TestValidateMachineNameRejectsSlash(t *testing.T) {
	err := validateMachineName("foo/bar")
	require.Error(t, err)
}

func TestValidateMachineNameRejectsEmpty(t *testing.T) {
	err := validateMachineName("")
	require.Error(t, err)
}

func TestValidateMachineNameAcceptsPlainName(t *testing.T) {
	err := validateMachineName("myvm")
	require.NoError(t, err)
}
