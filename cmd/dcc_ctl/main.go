// Command dcc_ctl is a thin client for a node's admin HTTP surface.
//
//	dcc_ctl -addr 127.0.0.1:8080 cluster_state
//	dcc_ctl -addr 127.0.0.1:8080 drop_node -node 3 -drop_slot true
//	dcc_ctl -addr 127.0.0.1:8080 make_table_local -schema public -name scratch
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const clientTimeout = 10 * time.Second

var commands = map[string]struct {
	params []string // recognized flags after the command name
	usage  string
}{
	"cluster_state":     {nil, "status of the addressed node"},
	"cluster_info":      {nil, "aggregated status of every reachable node"},
	"nodes_state":       {nil, "per node roster state"},
	"snapshot":          {nil, "take a snapshot CSN"},
	"last_csn":          {nil, "last commit CSN assigned on this node"},
	"prepared_gids":     {nil, "global ids of in-doubt prepared transactions"},
	"lock_graph":        {nil, "cluster-wide lock waits from the register"},
	"start_replication": {nil, "put an out-of-service node back through recovery"},
	"stop_replication":  {nil, "take the node out of service"},
	"poll_node":         {[]string{"node"}, "liveness of one node"},
	"drop_node":         {[]string{"node", "drop_slot"}, "disable a node, optionally dropping its slot"},
	"recover_node":      {[]string{"node"}, "re-seed the slot of a dropped node"},
	"add_node":          {[]string{"node", "conn_string"}, "repoint a roster slot at a new address"},
	"csn":               {[]string{"xid"}, "commit CSN of one transaction"},
	"make_table_local":  {[]string{"schema", "name"}, "exclude a table from replication"},
	"inject_2pc_error":  {[]string{"code"}, "arm a one-shot commit failure (1..3)"},
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "admin address of any cluster node")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	spec, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	sub := flag.NewFlagSet(cmd, flag.ExitOnError)
	values := make(map[string]*string, len(spec.params))
	for _, p := range spec.params {
		values[p] = sub.String(p, "", p)
	}
	sub.Parse(flag.Args()[1:])

	query := url.Values{}
	for k, v := range values {
		if *v != "" {
			query.Set(k, *v)
		}
	}
	if err := call(*addr, cmd, query); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func call(addr, cmd string, query url.Values) error {
	u := url.URL{
		Scheme:   "http",
		Host:     addr,
		Path:     "/admin/" + cmd,
		RawQuery: query.Encode(),
	}
	client := http.Client{Timeout: clientTimeout}
	resp, err := client.Get(u.String())
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Println(string(body))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("node returned %s", resp.Status)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-addr host:port] <command> [command flags]\n\ncommands:\n", os.Args[0])
	for name, spec := range commands {
		fmt.Fprintf(os.Stderr, "  %-18s %s\n", name, spec.usage)
	}
}
