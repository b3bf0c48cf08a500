package raft

import (
	"encoding/json"
	"fmt"
)

// A ClusterConfiguration lists the servers of the cluster. During a
// membership change the configuration is joint: agreement then requires
// separate majorities among both the old and the new server sets.
//
// Configuration entries take effect as soon as they are appended to the
// log, not when they are committed.
type ClusterConfiguration struct {
	Servers ServerSet `json:"servers"`

	Joint      bool      `json:"joint,omitempty"`
	OldServers ServerSet `json:"oldServers,omitempty"`
}

func (c *ClusterConfiguration) Clone() ClusterConfiguration {
	clone := ClusterConfiguration{
		Servers: cloneServerSet(c.Servers),
		Joint:   c.Joint,
	}

	if c.OldServers != nil {
		clone.OldServers = cloneServerSet(c.OldServers)
	}

	return clone
}

// Contains reports whether a server is part of the configuration, either
// in the new set or, during a joint phase, in the old one.
func (c *ClusterConfiguration) Contains(id ServerId) bool {
	if _, found := c.Servers[id]; found {
		return true
	}

	if c.Joint {
		if _, found := c.OldServers[id]; found {
			return true
		}
	}

	return false
}

// AllServers returns the union of the new and old server sets.
func (c *ClusterConfiguration) AllServers() ServerSet {
	servers := cloneServerSet(c.Servers)

	if c.Joint {
		for id, data := range c.OldServers {
			if _, found := servers[id]; !found {
				servers[id] = data
			}
		}
	}

	return servers
}

// HasQuorum reports whether the granted set forms a quorum. In a joint
// configuration a quorum requires a majority of the old servers and a
// majority of the new ones.
func (c *ClusterConfiguration) HasQuorum(granted map[ServerId]bool) bool {
	if !hasMajority(c.Servers, granted) {
		return false
	}

	if c.Joint && !hasMajority(c.OldServers, granted) {
		return false
	}

	return true
}

// QuorumUnreachable reports whether the granted set can no longer grow
// into a quorum given the servers which already refused.
func (c *ClusterConfiguration) QuorumUnreachable(granted, refused map[ServerId]bool) bool {
	if majorityUnreachable(c.Servers, granted, refused) {
		return true
	}

	if c.Joint && majorityUnreachable(c.OldServers, granted, refused) {
		return true
	}

	return false
}

// MakeJoint returns the joint configuration transitioning from the current
// servers to newServers.
func (c *ClusterConfiguration) MakeJoint(newServers ServerSet) ClusterConfiguration {
	return ClusterConfiguration{
		Servers:    cloneServerSet(newServers),
		Joint:      true,
		OldServers: cloneServerSet(c.Servers),
	}
}

// FinalConfiguration returns the configuration the joint phase transitions
// to once the joint entry is committed.
func (c *ClusterConfiguration) FinalConfiguration() ClusterConfiguration {
	return ClusterConfiguration{
		Servers: cloneServerSet(c.Servers),
	}
}

func hasMajority(servers ServerSet, granted map[ServerId]bool) bool {
	nbGranted := 0

	for id := range servers {
		if granted[id] {
			nbGranted++
		}
	}

	return nbGranted >= len(servers)/2+1
}

func majorityUnreachable(servers ServerSet, granted, refused map[ServerId]bool) bool {
	nbReachable := 0

	for id := range servers {
		if !refused[id] || granted[id] {
			nbReachable++
		}
	}

	return nbReachable < len(servers)/2+1
}

func cloneServerSet(servers ServerSet) ServerSet {
	clone := make(ServerSet, len(servers))

	for id, data := range servers {
		clone[id] = data
	}

	return clone
}

func EncodeConfiguration(cfg *ClusterConfiguration) []byte {
	data, err := json.Marshal(cfg)
	if err != nil {
		Panicf("cannot encode configuration: %v", err)
	}

	return data
}

func DecodeConfiguration(data []byte) (*ClusterConfiguration, error) {
	var cfg ClusterConfiguration

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot decode configuration: %w", err)
	}

	if cfg.Servers == nil {
		return nil, fmt.Errorf("invalid configuration: missing server set")
	}

	return &cfg, nil
}
