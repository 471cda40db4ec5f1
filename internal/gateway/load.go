package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"trustgate/internal/domain"
	"trustgate/internal/infra/tracer"
	"trustgate/internal/plugin"
	"trustgate/internal/security"
)

// Load verifies, validates and admits the plugin package at archivePath.
// On success the plugin is Admitted and ready to execute.
func (g *Gateway) Load(ctx context.Context, archivePath string) (info *domain.PluginInfo, err error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.load")
	defer func() {
		if err != nil {
			tracer.RecordError(span, err)
		} else {
			tracer.SetOK(span)
		}
		span.End()
	}()
	span.SetAttributes(tracer.StringAttr("plugin.archive", archivePath))

	start := g.now()
	state := domain.StateDiscovered
	g.emit(ctx, domain.EventPluginDiscovered, "", map[string]string{"archive": archivePath})

	a, err := security.OpenArchive(archivePath, g.verifier.Limits())
	if err != nil {
		g.reject(ctx, "", archivePath, err)
		return nil, err
	}
	ok, err := g.verifier.VerifyArchive(ctx, a)
	if err == nil && !ok {
		err = domain.NewSubSystemError("signature", "Gateway.Load", domain.ErrSignatureVerificationFailed, "no trusted signature")
	}
	if err != nil {
		g.reject(ctx, "", archivePath, err)
		return nil, err
	}

	info, err = plugin.FromArchive(a)
	if err != nil {
		g.reject(ctx, "", archivePath, err)
		return nil, err
	}
	id := info.ID
	span.SetAttributes(tracer.StringAttr("plugin.id", id))
	changes := []domain.StateChange{{From: state, To: domain.StateSignatureVerified}}
	state = domain.StateSignatureVerified

	granted, err := g.admit(info)
	if err != nil {
		g.reject(ctx, id, archivePath, err)
		return nil, err
	}
	payload, found := a.File(security.NormalizePath(info.EntryPoint))
	if !found {
		err = domain.NewPluginError(id, "Gateway.Load", domain.ErrInvalidPluginStructure,
			fmt.Sprintf("entry point %q not in package", info.EntryPoint))
		g.reject(ctx, id, archivePath, err)
		return nil, err
	}

	e := &entry{
		info:     *info,
		archive:  archivePath,
		payload:  payload,
		quota:    g.quotaFor(id),
		state:    domain.StateManifestValidated,
		turn:     make(chan struct{}, 1),
	}
	e.life, e.kill = context.WithCancel(context.WithoutCancel(ctx))
	// The placeholder reserves the id against concurrent loads of the same plugin.
	err = g.plugins.Update(id, func(cur **entry, exists bool) error {
		if exists {
			return domain.NewPluginError(id, "Gateway.Load", domain.ErrAlreadyLoaded, "")
		}
		*cur = e
		return nil
	})
	if err != nil {
		e.kill()
		g.reject(ctx, id, archivePath, err)
		return nil, err
	}
	changes = append(changes, domain.StateChange{From: state, To: domain.StateManifestValidated})

	g.quotas.SetLimits(id, e.quota)
	if g.engine != nil {
		if err := g.engine.Instantiate(ctx, e.info, payload, e.quota); err != nil {
			e.kill()
			g.plugins.Delete(id)
			g.quotas.Remove(id)
			if !errors.Is(err, domain.ErrInitializationFailed) {
				err = domain.NewPluginError(id, "Gateway.Load", domain.ErrInitializationFailed, err.Error())
			}
			g.reject(ctx, id, archivePath, err)
			return nil, err
		}
	}

	g.perms.Set(ctx, id, granted)
	if g.storage != nil {
		if _, err := g.storage.Sync(ctx, id); err != nil {
			g.logger.Warn("loading persisted storage size failed", "plugin", id, "error", err)
		}
	}

	e.mu.Lock()
	e.loadedAt = g.now()
	more, _ := e.transition(domain.StateAdmitted)
	e.mu.Unlock()
	changes = append(changes, more...)

	g.metrics.RecordLoad(id, g.now().Sub(start))
	g.publishChanges(ctx, id, changes)
	g.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditPluginAdmitted,
		Actor:    "gateway",
		Resource: id,
		Action:   "load",
		Outcome:  "success",
		Detail: map[string]string{
			"archive": archivePath,
			"version": info.Version,
		},
	})
	g.emit(ctx, domain.EventPluginAdmitted, id, e.info)
	g.logger.Info("plugin admitted",
		"plugin", id,
		"version", info.Version,
		"permissions", len(granted),
		"load_time", g.now().Sub(start),
	)
	return info, nil
}

// admit applies the admission policy to a parsed manifest.
func (g *Gateway) admit(info *domain.PluginInfo) ([]domain.Permission, error) {
	granted, err := plugin.ValidatePermissions(info, g.cfg.AllowPermissions, g.cfg.DenyPermissions)
	if err != nil {
		return nil, err
	}
	if err := plugin.CheckCompatibility(info, g.cfg.HostVersion); err != nil {
		return nil, err
	}
	if err := plugin.CheckDependencies(info, g.loadedVersions()); err != nil {
		return nil, err
	}
	return granted, nil
}

func (g *Gateway) loadedVersions() map[string]string {
	out := make(map[string]string)
	for id, e := range g.plugins.Snapshot() {
		e.mu.Lock()
		if e.state != domain.StateManifestValidated && e.state != domain.StateTerminated {
			out[id] = e.info.Version
		}
		e.mu.Unlock()
	}
	return out
}

// quotaFor returns the override for id, or the defaults, clamped to the
// configured maxima.
func (g *Gateway) quotaFor(id string) domain.ResourceQuota {
	def := g.cfg.QuotaDefaults.Clamp(domain.DefaultResourceQuota(), domain.ResourceQuota{})
	q := g.cfg.QuotaOverrides[id]
	return q.Clamp(def, g.cfg.QuotaMaximum)
}

// reject records a failed load. Security-class failures are also alerted.
func (g *Gateway) reject(ctx context.Context, pluginID, archive string, err error) {
	if domain.IsSecurity(err) {
		g.securityFailure(ctx, pluginID, archive, err)
	} else {
		g.logger.Warn("plugin rejected", "plugin", pluginID, "archive", archive,
			"code", string(domain.ErrorCodeOf(err)), "error", err)
	}
	resource := pluginID
	if resource == "" {
		resource = filepath.Base(archive)
	}
	g.logAudit(ctx, domain.AuditEvent{
		Type:     domain.AuditPluginRejected,
		Actor:    "gateway",
		Resource: resource,
		Action:   "load",
		Outcome:  "denied",
		Detail: map[string]string{
			"archive": archive,
			"code":    string(domain.ErrorCodeOf(err)),
			"error":   err.Error(),
		},
	})
	g.emit(ctx, domain.EventPluginRejected, pluginID, map[string]string{
		"archive": archive,
		"code":    string(domain.ErrorCodeOf(err)),
	})
}

// LoadResult is the outcome of loading one package in LoadAll.
type LoadResult struct {
	Archive  string
	PluginID string
	Err      error
}

// LoadAll loads every package found in dirs. Packages whose dependencies are
// not yet loaded are retried after the rest, until a round admits nothing new.
func (g *Gateway) LoadAll(ctx context.Context, dirs []string) ([]LoadResult, error) {
	paths, err := plugin.ScanDirectories(dirs)
	if err != nil {
		return nil, err
	}

	results := make(map[string]LoadResult, len(paths))
	pending := paths
	for len(pending) > 0 {
		var retry []string
		for _, p := range pending {
			if err := ctx.Err(); err != nil {
				return collect(paths, results), err
			}
			info, err := g.Load(ctx, p)
			r := LoadResult{Archive: p, Err: err}
			if info != nil {
				r.PluginID = info.ID
			}
			results[p] = r
			if errors.Is(err, domain.ErrDependencyNotMet) {
				retry = append(retry, p)
			}
		}
		if len(retry) == len(pending) {
			break
		}
		pending = retry
	}
	return collect(paths, results), nil
}

func collect(paths []string, results map[string]LoadResult) []LoadResult {
	out := make([]LoadResult, 0, len(results))
	for _, p := range paths {
		if r, ok := results[p]; ok {
			out = append(out, r)
		}
	}
	return out
}
