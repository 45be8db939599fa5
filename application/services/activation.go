package services

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"engram/application/ports"
	domainservices "engram/domain/services"
)

// ActivationParams bound the spreading-activation walk.
type ActivationParams struct {
	Depth         int
	Decay         float64
	FanOut        int
	MinActivation float64
	MaxNodes      int
}

// DefaultActivationParams are the documented defaults.
func DefaultActivationParams() ActivationParams {
	return ActivationParams{
		Depth:         2,
		Decay:         0.5,
		FanOut:        10,
		MinActivation: 0.1,
		MaxNodes:      30,
	}
}

// MemoryActivation is one memory id with its spread activation.
type MemoryActivation struct {
	ID         string
	Activation float64
}

// GraphActivator finds memories related to a query through the entity
// graph rather than vector similarity.
type GraphActivator struct {
	graph     ports.GraphStore
	extractor *domainservices.EntityExtractor
	logger    *zap.Logger
}

// NewGraphActivator creates the activator.
func NewGraphActivator(graph ports.GraphStore, extractor *domainservices.EntityExtractor, logger *zap.Logger) *GraphActivator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphActivator{graph: graph, extractor: extractor, logger: logger}
}

// Activate extracts seed entities from the query, spreads activation
// through the graph with per-hop decay, then maps activated entities to
// the memories mentioning them. A memory's activation is the maximum over
// its mentioned entities. Results are top-N by activation.
func (a *GraphActivator) Activate(ctx context.Context, query string, params ActivationParams, topN int) []MemoryActivation {
	if a.graph == nil {
		return nil
	}
	seeds := a.extractor.Extract(query)
	if len(seeds) == 0 {
		return nil
	}
	if params.Depth <= 0 {
		params = DefaultActivationParams()
	}

	type frontierNode struct {
		name       string
		activation float64
		depth      int
	}

	activation := make(map[string]float64, params.MaxNodes)
	queue := make([]frontierNode, 0, len(seeds))
	for _, seed := range seeds {
		if _, seen := activation[seed]; seen {
			continue
		}
		activation[seed] = 1.0
		queue = append(queue, frontierNode{name: seed, activation: 1.0, depth: 0})
	}

	for len(queue) > 0 && len(activation) < params.MaxNodes {
		node := queue[0]
		queue = queue[1:]
		if node.depth >= params.Depth {
			continue
		}
		next := node.activation * params.Decay
		if next < params.MinActivation {
			continue
		}
		neighbors, err := a.graph.Neighbors(ctx, node.name, params.FanOut)
		if err != nil {
			a.logger.Debug("activation neighbor lookup failed",
				zap.String("entity", node.name), zap.Error(err))
			continue
		}
		for _, nb := range neighbors {
			if nb.Name == "" {
				continue
			}
			if prev, seen := activation[nb.Name]; seen {
				// Revisits keep the stronger activation, no re-enqueue.
				if next > prev {
					activation[nb.Name] = next
				}
				continue
			}
			if len(activation) >= params.MaxNodes {
				break
			}
			activation[nb.Name] = next
			queue = append(queue, frontierNode{name: nb.Name, activation: next, depth: node.depth + 1})
		}
	}

	memories := make(map[string]float64)
	for entity, act := range activation {
		ids, err := a.graph.MemoriesMentioning(ctx, entity, params.MaxNodes)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if act > memories[id] {
				memories[id] = act
			}
		}
	}
	if len(memories) == 0 {
		return nil
	}

	out := make([]MemoryActivation, 0, len(memories))
	for id, act := range memories {
		out = append(out, MemoryActivation{ID: id, Activation: act})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Activation != out[j].Activation {
			return out[i].Activation > out[j].Activation
		}
		return out[i].ID < out[j].ID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
