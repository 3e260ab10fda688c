package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/insider-threat-pipeline/internal/logging"
	"github.com/invisible-tech/insider-threat-pipeline/internal/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestIngestor_Run(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "logon.csv", `id,date,user,pc,activity
{L2},01/02/2010 18:00:00,DTAA/BBB0002,PC-2,Logoff
{L1},01/02/2010 08:00:00,DTAA/BBB0002,PC-2,Logon
{L3},01/02/2010 07:00:00,DTAA/AAA0001,PC-1,Logon
`)
	writeFile(t, dir, "device.csv", `id,date,user,pc,activity
{D1},01/02/2010 08:00:00,DTAA/BBB0002,PC-2,Connect
{D2},bad,DTAA/BBB0002,PC-2,Disconnect
`)
	// wrong layout: rejected, other files continue
	writeFile(t, dir, "email.csv", "id,date,user\n{E1},01/02/2010 08:00:00,DTAA/BBB0002\n")

	in := New([]types.SourceType{types.SourceLogon, types.SourceDevice, types.SourceEmail, types.SourceHTTP}, 2, Options{Logger: logging.Discard()})
	res, err := in.Run(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, res.Events, 4)
	ids := make([]string, len(res.Events))
	for i, ev := range res.Events {
		ids[i] = ev.ID
	}
	// user first, then time; equal timestamps break ties on source
	assert.Equal(t, []string{"{L3}", "{D1}", "{L1}", "{L2}"}, ids)

	total, emitted, skipped := res.Totals()
	assert.Equal(t, 5, total)
	assert.Equal(t, 4, emitted)
	assert.Equal(t, 1, skipped)

	require.Len(t, res.Failures, 2)
	var sm *types.SchemaMismatchError
	assert.True(t, errors.As(res.Failures[0].Err, &sm))
	assert.Error(t, res.Err())
	assert.True(t, errors.Is(res.Failures[1].Err, os.ErrNotExist))
}

func TestIngestor_Run_NothingIngested(t *testing.T) {
	in := New([]types.SourceType{types.SourceLogon}, 1, Options{Logger: logging.Discard()})
	_, err := in.Run(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestIngestor_Run_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "logon.csv", "id,date,user,pc,activity\n{L1},01/02/2010 08:00:00,DTAA/X,PC,Logon\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := New([]types.SourceType{types.SourceLogon}, 1, Options{Logger: logging.Discard()})
	_, err := in.Run(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadRoleDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "2009-12.csv", "employee_name,user_id,email,Role\nAlice,AAA0001,a@dtaa.com,Salesman\nBob,BBB0002,b@dtaa.com,ITAdmin\n")
	writeFile(t, dir, "2010-01.csv", "employee_name,user_id,email,role\nAlice,AAA0001,a@dtaa.com,Manager\n")

	roles, err := LoadRoleDirectory(dir, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, roles.Len())
	assert.Equal(t, "Manager", roles.Role("AAA0001"))
	assert.Equal(t, "ITAdmin", roles.Role("BBB0002"))
	assert.Equal(t, types.UnknownRole, roles.Role("ZZZ9999"))

	var nilDir *RoleDirectory
	assert.Equal(t, types.UnknownRole, nilDir.Role("AAA0001"))
}

func TestLoadRoleDirectory_Missing(t *testing.T) {
	roles, err := LoadRoleDirectory(filepath.Join(t.TempDir(), "ldap"), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 0, roles.Len())
}

func TestLoadRoleDirectory_BadHeader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "2010-01.csv", "name,email\nAlice,a@dtaa.com\n")
	_, err := LoadRoleDirectory(dir, logging.Discard())
	var sm *types.SchemaMismatchError
	assert.True(t, errors.As(err, &sm))
}
