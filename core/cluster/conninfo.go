package cluster

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default ports used when a connection string omits them.
const (
	DefaultReplPort    = 5433
	DefaultArbiterPort = 5434
	DefaultRaftPort    = 5435
	DefaultHTTPPort    = 8080
)

// ConnInfo describes how to reach one cluster node.
type ConnInfo struct {
	Host        string
	ReplPort    int // logical replication stream
	ArbiterPort int // transaction vote exchange
	RaftPort    int // replicated register consensus
	HTTPPort    int // heartbeats and admin API
}

// ReplAddr returns the host:port of the node's replication listener.
func (c ConnInfo) ReplAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ReplPort))
}

// ArbiterAddr returns the host:port of the node's vote listener.
func (c ConnInfo) ArbiterAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.ArbiterPort))
}

// RaftAddr returns the host:port of the node's raft transport.
func (c ConnInfo) RaftAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.RaftPort))
}

// HTTPAddr returns the host:port of the node's HTTP listener.
func (c ConnInfo) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

// ParseConnString parses a space separated key=value connection
// string, e.g. "host=10.0.0.1 port=5433 arbiter_port=5434".
func ParseConnString(s string) (ConnInfo, error) {
	ci := ConnInfo{
		ReplPort:    DefaultReplPort,
		ArbiterPort: DefaultArbiterPort,
		RaftPort:    DefaultRaftPort,
		HTTPPort:    DefaultHTTPPort,
	}
	for _, field := range strings.Fields(s) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return ConnInfo{}, fmt.Errorf("cluster: malformed connection option %q", field)
		}
		switch key {
		case "host":
			ci.Host = val
		case "port":
			p, err := parsePort(key, val)
			if err != nil {
				return ConnInfo{}, err
			}
			ci.ReplPort = p
		case "arbiter_port":
			p, err := parsePort(key, val)
			if err != nil {
				return ConnInfo{}, err
			}
			ci.ArbiterPort = p
		case "raft_port":
			p, err := parsePort(key, val)
			if err != nil {
				return ConnInfo{}, err
			}
			ci.RaftPort = p
		case "http_port":
			p, err := parsePort(key, val)
			if err != nil {
				return ConnInfo{}, err
			}
			ci.HTTPPort = p
		default:
			// Unknown options are passed through by real drivers;
			// ignore them here too.
		}
	}
	if ci.Host == "" {
		return ConnInfo{}, fmt.Errorf("cluster: connection string %q has no host", s)
	}
	return ci, nil
}

// ParseConnStrings parses a comma separated list of connection
// strings, one per node, in node id order.
func ParseConnStrings(s string) ([]ConnInfo, error) {
	var out []ConnInfo
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ci, err := ParseConnString(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cluster: empty connection string list")
	}
	return out, nil
}

func parsePort(key, val string) (int, error) {
	p, err := strconv.Atoi(val)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("cluster: invalid %s %q", key, val)
	}
	return p, nil
}
