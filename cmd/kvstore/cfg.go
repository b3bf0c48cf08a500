package main

import (
	"github.com/crawlins/kythira/pkg/raft"
	jsonvalidator "github.com/galdor/go-json-validator"
)

type RaftCfg struct {
	Servers       raft.ServerSet `json:"servers"`
	DataDirectory string         `json:"dataDirectory"`

	// ListenAddress is the address the transport binds to when the local
	// server is not part of the bootstrap set, i.e. when it starts empty
	// and waits to be added to an existing cluster. Servers listed in the
	// bootstrap set use their local address instead.
	ListenAddress string `json:"listenAddress,omitempty"`

	// TuningFile points to an optional YAML file overriding timeouts and
	// retry policies; without it the defaults apply.
	TuningFile string `json:"tuningFile,omitempty"`
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("servers", func() {
		for _, server := range cfg.Servers {
			v.CheckStringNotEmpty("localAddress", string(server.LocalAddress))
			v.CheckStringNotEmpty("publicAddress", string(server.PublicAddress))
		}
	})

	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)
}

type APICfg struct {
	// Port of the HTTP API; the listening host is the one of the local
	// raft address.
	Port int `json:"port,omitempty"`
}

type DiscoveryCfg struct {
	Enabled bool `json:"enabled,omitempty"`

	// Group is the multicast group announcements are sent to.
	Group string `json:"group,omitempty"`

	// AnnounceIntervalSeconds is the period of unsolicited announcements.
	AnnounceIntervalSeconds int `json:"announceIntervalSeconds,omitempty"`
}
