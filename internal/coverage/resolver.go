// Package coverage answers the two spatial questions of dispatch: which
// approved firms cover a point for a service type, and which providers are
// nearest to it.
package coverage

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"time"

	"github.com/haven/backend/internal/core"
	"github.com/haven/backend/internal/geo"
	"github.com/haven/backend/internal/infra"
	"github.com/haven/backend/internal/store"
)

const (
	snapshotKey = "coverage:firms"
	snapshotTTL = 10 * time.Minute
)

// Resolver evaluates coverage against a cached snapshot of every approved
// firm's active polygons and provider types. The snapshot is read-through
// with a 10 minute TTL and warmed by the scheduler.
type Resolver struct {
	store  store.Store
	cache  infra.Cache
	logger *log.Logger
}

func NewResolver(st store.Store, cache infra.Cache) *Resolver {
	return &Resolver{
		store:  st,
		cache:  cache,
		logger: log.New(log.Writer(), "[COVERAGE] ", log.LstdFlags),
	}
}

// firmCoverage is one approved firm's slice of the snapshot.
type firmCoverage struct {
	Firm      core.SecurityFirm `json:"firm"`
	Rings     [][]core.Point    `json:"rings"`
	TypeCodes []string          `json:"type_codes"` // active provider type codes
}

// CoveringFirms returns approved firms with an active polygon containing the
// point that can serve the service type, each firm once. Team-serviced
// requests (call, security) accept any covering firm; provider-serviced ones
// need an active provider of the matching type.
func (r *Resolver) CoveringFirms(ctx context.Context, pt core.Point, service core.ServiceType) ([]core.SecurityFirm, error) {
	if !core.ValidServiceType(service) {
		return nil, core.NewError(core.CodeInvalidServiceType, "unknown service type")
	}
	snapshot, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []core.SecurityFirm
	for _, fc := range snapshot {
		if !firmOffersService(fc, service) {
			continue
		}
		for _, ring := range fc.Rings {
			if geo.Contains(ring, pt) {
				out = append(out, fc.Firm)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func firmOffersService(fc firmCoverage, service core.ServiceType) bool {
	switch service {
	case core.ServiceCall, core.ServiceSecurity:
		// Served by the firm's own teams.
		return true
	}
	for _, code := range fc.TypeCodes {
		if code == string(service) {
			return true
		}
	}
	return false
}

// Candidate is a dispatchable provider with its distance and ETA from the
// request point, computed at resolution time.
type Candidate struct {
	Provider   core.EmergencyProvider `json:"provider"`
	DistanceKM float64                `json:"distance_km"`
	ETAMinutes int                    `json:"eta_minutes"`
}

// NearestProviders returns available, active providers of the type whose
// coverage radius reaches the point, nearest first. radiusKM overrides the
// provider's own radius when positive; limit 0 means no cap.
func (r *Resolver) NearestProviders(ctx context.Context, pt core.Point, typeCode string, radiusKM float64, limit int) ([]Candidate, error) {
	ptype, err := r.store.GetProviderTypeByCode(ctx, typeCode)
	if err != nil {
		return nil, err
	}
	if ptype == nil || !ptype.Active {
		return nil, core.NewError(core.CodeInvalidServiceType, "unknown provider type")
	}

	providers, err := r.store.AvailableProvidersByType(ctx, ptype.ID)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, p := range providers {
		d := geo.DistanceKM(p.Current, pt)
		reach := p.RadiusKM
		if reach <= 0 {
			reach = ptype.DefaultRadiusKM
		}
		if radiusKM > 0 && radiusKM < reach {
			reach = radiusKM
		}
		if d > reach {
			continue
		}
		out = append(out, Candidate{Provider: p, DistanceKM: d, ETAMinutes: geo.ETAMinutes(d)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKM == out[j].DistanceKM {
			return out[i].Provider.ID < out[j].Provider.ID
		}
		return out[i].DistanceKM < out[j].DistanceKM
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FirmCovers checks one firm's active polygons directly against the store;
// the dispatch gates use this instead of the snapshot so a just-deactivated
// polygon takes effect immediately.
func (r *Resolver) FirmCovers(ctx context.Context, firmID string, pt core.Point) (bool, error) {
	return r.store.FirmCovers(ctx, firmID, pt)
}

// Warm rebuilds the snapshot; the scheduler calls it every 10 minutes.
func (r *Resolver) Warm(ctx context.Context) error {
	_, err := r.rebuild(ctx)
	return err
}

// Invalidate drops the snapshot after coverage or firm mutations.
func (r *Resolver) Invalidate(ctx context.Context) {
	if err := r.cache.Del(ctx, snapshotKey); err != nil {
		r.logger.Printf("invalidate snapshot: %v", err)
	}
}

func (r *Resolver) snapshot(ctx context.Context) ([]firmCoverage, error) {
	if raw, err := r.cache.Get(ctx, snapshotKey); err == nil && raw != nil {
		var snap []firmCoverage
		if err := json.Unmarshal(raw, &snap); err == nil {
			return snap, nil
		}
		// Corrupt cache entry: rebuild below.
		r.logger.Printf("discarding unreadable coverage snapshot")
	}
	return r.rebuild(ctx)
}

func (r *Resolver) rebuild(ctx context.Context) ([]firmCoverage, error) {
	firms, err := r.store.ListApprovedFirms(ctx)
	if err != nil {
		return nil, err
	}
	types, err := r.store.ListProviderTypes(ctx)
	if err != nil {
		return nil, err
	}
	typeCode := make(map[string]string, len(types))
	for _, t := range types {
		if t.Active {
			typeCode[t.ID] = t.Code
		}
	}

	snap := make([]firmCoverage, 0, len(firms))
	for _, firm := range firms {
		areas, err := r.store.ListCoverageAreas(ctx, firm.ID)
		if err != nil {
			return nil, err
		}
		fc := firmCoverage{Firm: firm}
		for _, a := range areas {
			if a.Active {
				fc.Rings = append(fc.Rings, a.Ring)
			}
		}
		if len(fc.Rings) == 0 {
			continue
		}
		providers, err := r.store.ListProviders(ctx, firm.ID)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		for _, p := range providers {
			code := typeCode[p.TypeID]
			if p.Active && code != "" && !seen[code] {
				seen[code] = true
				fc.TypeCodes = append(fc.TypeCodes, code)
			}
		}
		snap = append(snap, fc)
	}

	if raw, err := json.Marshal(snap); err == nil {
		if err := r.cache.Set(ctx, snapshotKey, raw, snapshotTTL); err != nil {
			r.logger.Printf("cache coverage snapshot: %v", err)
		}
	}
	return snap, nil
}
