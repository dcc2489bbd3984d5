package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infirad/hadi/pkg/event"
)

func TestMaintenanceService_InvalidSchedule(t *testing.T) {
	f := newChatFixture(t, true)
	m := NewMaintenanceService(f.svc, nil, f.emitter, MaintenanceConfig{CleanupSchedule: "every now and then"})
	assert.Error(t, m.Start())
}

func TestMaintenanceService_RegistersJobs(t *testing.T) {
	f := newChatFixture(t, true)
	m := NewMaintenanceService(f.svc, NewExportService(f.store), f.emitter, MaintenanceConfig{
		CleanupSchedule: "@every 1h",
		ExportSchedule:  "@daily",
		ExportDir:       t.TempDir(),
	})
	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.Equal(t, 2, m.Jobs())
	m.Stop()
	m.Stop()
}

func TestMaintenanceService_CleanupJobRuns(t *testing.T) {
	f := newChatFixture(t, true)
	ctx := context.Background()

	old, err := f.svc.NewSession(ctx, "")
	require.NoError(t, err)
	old.LastActivity = time.Now().Add(-48 * time.Hour)

	evicted := make(chan []string, 1)
	f.emitter.On(event.SessionEvicted, func(ev event.Event) {
		evicted <- ev.(event.SessionEvictedEvent).SessionIDs
	})

	m := NewMaintenanceService(f.svc, nil, f.emitter, MaintenanceConfig{CleanupSchedule: "@every 1s"})
	require.NoError(t, m.Start())
	defer m.Stop()

	select {
	case ids := <-evicted:
		assert.Equal(t, []string{old.ID}, ids)
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup job did not run")
	}
}

func TestMaintenanceService_RunExport(t *testing.T) {
	f := newChatFixture(t, true)
	seedStore(t, f.store)
	dir := t.TempDir()

	var exported []string
	f.emitter.On(event.DataExported, func(ev event.Event) {
		exported = ev.(event.DataExportedEvent).Files
	})

	m := NewMaintenanceService(f.svc, NewExportService(f.store), f.emitter, MaintenanceConfig{ExportDir: dir})
	path, err := m.RunExport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, []string{path}, exported)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
