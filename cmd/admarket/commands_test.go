package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/admarket/internal/reconcile"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URI", "")
	t.Setenv("REDIS_ADDR", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestReconcileCmdNotFound(t *testing.T) {
	_, err := execute(t, "reconcile", "--ad", "missing", "--admin-id", "1", "-l", "error")
	require.ErrorIs(t, err, reconcile.ErrNotFound)
}

func TestReconcileCmdRequiresFlags(t *testing.T) {
	_, err := execute(t, "reconcile", "--admin-id", "1")
	require.Error(t, err)
}

func TestUserAddCmd(t *testing.T) {
	out, err := execute(t, "useradd", "--login", "root", "--password", "secret", "--name", "Root", "-l", "error")
	require.NoError(t, err)
	require.NotEmpty(t, out)

	_, err = execute(t, "useradd", "--login", "root")
	require.Error(t, err)
}

func TestUserAddCmdRole(t *testing.T) {
	_, err := execute(t, "useradd", "--login", "anna", "--password", "secret", "--role", "superuser", "-l", "error")
	require.ErrorContains(t, err, `unknown role "superuser"`)

	out, err := execute(t, "useradd", "--login", "anna", "--password", "secret", "--role", "press", "-l", "error")
	require.NoError(t, err)
	require.NotEmpty(t, out)
}
