// Package pipeline wires the rollout, query, feeder and trainer workers into
// one of the supported run topologies.
package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownTopology = errors.New("unknown topology")

// Topology selects which workers run and how they are connected.
type Topology string

const (
	// GatherInitialPrefs generates segments, collects the initial batch of
	// judgments, snapshots the buffer and stops.
	GatherInitialPrefs Topology = "gather_initial_prefs"
	// PretrainRewardPredictor trains the predictor on a stored snapshot and stops.
	PretrainRewardPredictor Topology = "pretrain_reward_predictor"
	// TrainPolicyWithOriginalRewards runs the policy against environment reward only.
	TrainPolicyWithOriginalRewards Topology = "train_policy_with_original_rewards"
	// TrainPolicyWithPreferences runs every worker under a supervisor.
	TrainPolicyWithPreferences Topology = "train_policy_with_preferences"
)

func Topologies() []Topology {
	return []Topology{
		GatherInitialPrefs,
		PretrainRewardPredictor,
		TrainPolicyWithOriginalRewards,
		TrainPolicyWithPreferences,
	}
}

func ParseTopology(name string) (Topology, error) {
	normalized := Topology(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	for _, t := range Topologies() {
		if t == normalized {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopology, name)
}
