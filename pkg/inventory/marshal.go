package inventory

import (
	"encoding/json"

	"sigs.k8s.io/yaml"
)

// document is the Ansible JSON/YAML inventory layout:
//
//	all:
//	  hosts: {<host>: {<var>: <value>}}
//	  vars: {<var>: <value>}
//	  children:
//	    <role>:
//	      hosts: {<host>: {}}
type document struct {
	All group `json:"all"`
}

type group struct {
	Hosts    map[string]map[string]any `json:"hosts"`
	Vars     map[string]any            `json:"vars,omitempty"`
	Children map[string]group          `json:"children,omitempty"`
}

func (r *Record) document() document {
	children := make(map[string]group, len(r.groups))
	for role, hosts := range r.groups {
		members := make(map[string]map[string]any, len(hosts))
		for _, h := range hosts {
			members[h] = map[string]any{}
		}
		children[role] = group{Hosts: members}
	}

	return document{All: group{
		Hosts:    r.hosts,
		Vars:     r.vars,
		Children: children,
	}}
}

// MarshalJSON implements json.Marshaler.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.document())
}

// YAML returns the inventory as YAML.
func (r *Record) YAML() ([]byte, error) {
	return yaml.Marshal(r.document())
}
