package routing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// maxDepth bounds the virtual-model chain. Chains longer than this (or
// cyclic configs) fail with a routing-depth error instead of recursing
// forever.
const maxDepth = 5

// ExpertRouter classifies a request and picks an expert target. The
// cascading classifier implements it; resolution only sees the final
// target.
type ExpertRouter interface {
	Route(ctx context.Context, req *Request, expertRoutingID string) (*store.ExpertTarget, error)
}

// Resolution is the outcome of resolving a virtual key: the upstream
// provider and, when the chain went through a model record, the model the
// dispatcher should fall back to for naming when the body declares none.
type Resolution struct {
	Provider *store.Provider

	// CurrentModel is nil when the key maps straight to a provider.
	CurrentModel *store.Model
}

// Resolver walks virtual key → model → provider, expanding smart-routing
// and expert-routing indirections along the way.
type Resolver struct {
	store   store.Store
	smart   *SmartRouter
	experts ExpertRouter
	log     *slog.Logger
}

func NewResolver(st store.Store, smart *SmartRouter, experts ExpertRouter, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: st, smart: smart, experts: experts, log: log}
}

// Resolve turns a virtual key plus the inbound request into a dispatchable
// provider. req.Body may be rewritten (model overrides) as a side effect.
func (r *Resolver) Resolve(ctx context.Context, vk *store.VirtualKey, req *Request) (*Resolution, error) {
	switch {
	case vk.ModelID != nil:
		model, err := r.store.ModelByID(ctx, *vk.ModelID)
		if err != nil {
			return nil, errModelNotFound("Model config not found")
		}
		return r.resolveModel(ctx, model, req, 0)

	case len(vk.ModelIDs) > 0:
		model, err := r.pickCandidate(ctx, vk.ModelIDs, req.Model())
		if err != nil {
			return nil, err
		}
		return r.resolveModel(ctx, model, req, 0)

	case vk.ProviderID != nil:
		prov, err := r.store.ProviderByID(ctx, *vk.ProviderID)
		if err != nil {
			return nil, errProviderNotFound()
		}
		return &Resolution{Provider: prov}, nil

	default:
		return nil, errInvalidKeyConfig("Virtual key has no model or provider binding")
	}
}

// pickCandidate matches the request's declared model against the key's
// candidate list by model ID or identifier; no match defaults to the first
// loadable candidate.
func (r *Resolver) pickCandidate(ctx context.Context, ids []string, requested string) (*store.Model, error) {
	var first *store.Model
	for _, id := range ids {
		m, err := r.store.ModelByID(ctx, id)
		if err != nil {
			r.log.Warn("virtual_key_candidate_unavailable", "model_id", id, "error", err)
			continue
		}
		if first == nil {
			first = m
		}
		if requested != "" && (m.ID == requested || m.ModelIdentifier == requested) {
			return m, nil
		}
	}
	if first == nil {
		return nil, errModelNotDetermined("No usable model candidate on virtual key")
	}
	return first, nil
}

// resolveModel resolves one model record, recursing through virtual models
// until it lands on a provider. depth counts recursion steps from zero.
func (r *Resolver) resolveModel(ctx context.Context, model *store.Model, req *Request, depth int) (*Resolution, error) {
	if depth > maxDepth {
		r.log.Error("routing_depth_exceeded", "model_id", model.ID, "depth", depth)
		return nil, errDepthExceeded()
	}

	switch {
	case model.ExpertRoutingID != nil:
		return r.resolveExpert(ctx, model, req, depth)

	case model.RoutingConfigID != nil:
		return r.resolveSmart(ctx, model, req)

	case model.ProviderID != nil:
		prov, err := r.store.ProviderByID(ctx, *model.ProviderID)
		if err != nil {
			return nil, errProviderNotFound()
		}
		return &Resolution{Provider: prov, CurrentModel: model}, nil

	default:
		return nil, errInvalidModelConfig("Model has no provider, routing config or expert routing binding")
	}
}

func (r *Resolver) resolveExpert(ctx context.Context, model *store.Model, req *Request, depth int) (*Resolution, error) {
	if r.experts == nil {
		return nil, errInvalidModelConfig("Expert routing not configured")
	}
	target, err := r.experts.Route(ctx, req, *model.ExpertRoutingID)
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, errInvalidModelConfig(err.Error())
	}

	switch target.Type {
	case store.ExpertTypeVirtual:
		next, err := r.store.ModelByID(ctx, target.ModelID)
		if err != nil {
			return nil, errModelNotFound("Expert target model not found")
		}
		return r.resolveModel(ctx, next, req, depth+1)

	case store.ExpertTypeReal:
		prov, err := r.store.ProviderByID(ctx, target.ProviderID)
		if err != nil {
			return nil, errProviderNotFound()
		}
		if target.OverrideModel != "" {
			req.SetModel(target.OverrideModel)
		}
		res := &Resolution{Provider: prov, CurrentModel: model}
		if target.Model != "" {
			// Pin the expert's model name so dispatch does not reuse the
			// caller's declared model against the new provider.
			res.CurrentModel = &store.Model{
				ID:              model.ID,
				ProviderID:      &target.ProviderID,
				ModelIdentifier: target.Model,
				Protocol:        model.Protocol,
				Attributes:      model.Attributes,
			}
		}
		return res, nil

	default:
		return nil, errInvalidModelConfig("Unknown expert target type: " + target.Type)
	}
}

func (r *Resolver) resolveSmart(ctx context.Context, model *store.Model, req *Request) (*Resolution, error) {
	rc, err := r.store.RoutingConfigByID(ctx, *model.RoutingConfigID)
	if err != nil {
		return nil, errSmartRouting("Routing config not found")
	}
	target, err := r.smart.Select(rc)
	if err != nil {
		return nil, err
	}
	prov, err := r.store.ProviderByID(ctx, target.Provider)
	if err != nil {
		return nil, errProviderNotFound()
	}
	if m := targetModel(target); m != "" {
		req.SetModel(m)
	}
	return &Resolution{Provider: prov, CurrentModel: model}, nil
}
