package inventory

import (
	"context"
	"strings"
)

// HostListSource turns "web1,web2:2222,db[1:3]" into ungrouped hosts.
type HostListSource struct {
	list string
}

// NewHostListSource creates a comma-separated host list source.
func NewHostListSource(list string) *HostListSource {
	return &HostListSource{list: list}
}

// Name implements Source.
func (s *HostListSource) Name() string {
	return "host list"
}

// Load implements Source.
func (s *HostListSource) Load(_ context.Context) (*Data, error) {
	gd := &GroupData{Name: UngroupedGroup}
	for _, entry := range strings.Split(s.list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		gd.Hosts = append(gd.Hosts, HostData{Name: entry})
	}
	return &Data{Groups: []*GroupData{gd}}, nil
}
