package plugin

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/internal/domain"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, ev domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) types() []domain.AuditEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AuditEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestValidatePermissions(t *testing.T) {
	tests := []struct {
		name    string
		perms   []string
		allow   []string
		deny    []string
		want    []domain.Permission
		wantErr bool
	}{
		{name: "no permissions", perms: nil, want: []domain.Permission{}},
		{name: "legacy spelling", perms: []string{"SystemInfo", "Storage"}, want: []domain.Permission{domain.PermissionSystemInfo, domain.PermissionStorage}},
		{name: "duplicates collapse", perms: []string{"storage", "Storage"}, want: []domain.Permission{domain.PermissionStorage}},
		{name: "unknown", perms: []string{"FileSystem"}, wantErr: true},
		{name: "denied", perms: []string{"network"}, deny: []string{"Network"}, wantErr: true},
		{name: "not allowed", perms: []string{"network"}, allow: []string{"storage"}, wantErr: true},
		{name: "allowed", perms: []string{"network"}, allow: []string{"network", "storage"}, want: []domain.Permission{domain.PermissionNetwork}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &domain.PluginInfo{ID: "p", Permissions: tt.perms}
			got, err := ValidatePermissions(info, tt.allow, tt.deny)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrPluginPermissionDenied)
				assert.ErrorIs(t, err, domain.ErrPermissionDenied)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPermissionService(t *testing.T) {
	ctx := context.Background()
	audit := &recordingAudit{}
	svc := NewPermissionService(audit, nil)

	assert.False(t, svc.Check("p", domain.PermissionStorage), "unknown plugin holds nothing")

	svc.Set(ctx, "p", []domain.Permission{domain.PermissionStorage, domain.PermissionNetwork, domain.PermissionLogger})
	assert.True(t, svc.Check("p", domain.PermissionNetwork))
	assert.True(t, svc.CheckRequired("p", []domain.Permission{domain.PermissionStorage, domain.PermissionLogger}))
	assert.False(t, svc.CheckRequired("p", []domain.Permission{domain.PermissionSystemInfo}))

	svc.Revoke(ctx, "p", domain.PermissionNetwork)
	assert.False(t, svc.Check("p", domain.PermissionNetwork))

	svc.Restrict(ctx, "p", []domain.Permission{domain.PermissionLogger})
	assert.Equal(t, []domain.Permission{domain.PermissionLogger}, svc.Permissions("p"))

	err := svc.Require(ctx, "p", domain.PermissionStorage)
	assert.ErrorIs(t, err, domain.ErrPluginPermissionDenied)
	assert.NoError(t, svc.Require(ctx, "p", domain.PermissionLogger))

	assert.Equal(t, map[string][]domain.Permission{"p": {domain.PermissionLogger}}, svc.Snapshot())

	svc.Remove("p")
	assert.Empty(t, svc.Permissions("p"))

	assert.Equal(t, []domain.AuditEventType{
		domain.AuditPermissionGranted, domain.AuditPermissionGranted, domain.AuditPermissionGranted,
		domain.AuditPermissionRevoked,
		domain.AuditPermissionRevoked,
		domain.AuditAccessDenied,
	}, audit.types())
}

func TestPermissionService_Concurrent(t *testing.T) {
	svc := NewPermissionService(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				svc.Set(context.Background(), "p", []domain.Permission{domain.PermissionStorage})
			} else {
				_ = svc.Check("p", domain.PermissionStorage)
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, svc.Check("p", domain.PermissionStorage))
}

func FuzzValidatePermissions(f *testing.F) {
	seeds := []struct{ perm, allow, deny string }{
		{"storage", "storage", ""},
		{"network", "", "network"},
		{"", "", ""},
		{"../../../etc/passwd", "", ""},
		{"read; DROP TABLE users", "", ""},
		{"STORAGE", "storage", ""},
		{"system\x00info", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.perm, s.allow, s.deny)
	}

	f.Fuzz(func(t *testing.T, perm, allow, deny string) {
		info := &domain.PluginInfo{ID: "fuzz", Permissions: []string{perm}}
		granted, err := ValidatePermissions(info, []string{allow}, []string{deny})
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrPluginPermissionDenied)
			return
		}
		for _, p := range granted {
			_, perr := domain.ParsePermission(string(p))
			assert.NoError(t, perr, "granted permission must be known")
		}
	})
}
