package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tayyebi/smart-proxy/internal/config"
	"github.com/tayyebi/smart-proxy/internal/dnsresolve"
	"github.com/tayyebi/smart-proxy/internal/probe"
	"github.com/tayyebi/smart-proxy/internal/routing"
	"github.com/tayyebi/smart-proxy/internal/runwayinventory"
	"github.com/tayyebi/smart-proxy/internal/tracker"
)

// state is the fresh-per-invocation collection of components every subcommand operates against.
// There is no persisted state and no running daemon to query -- every invocation rediscovers
// runways and starts with an empty tracker, the same as the original cli.rs.
type state struct {
	resolved  *config.Resolved
	tr        *tracker.Tracker
	inventory *runwayinventory.Inventory
	resolver  *dnsresolve.Resolver
	executor  *probe.Executor
	engine    *routing.Engine
}

func buildState(configPath string) (*state, error) {
	resolved, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tr := tracker.New(resolved.SuccessRateWindow, resolved.SuccessRateThreshold, nil)
	inv := runwayinventory.New(resolved.DNSServers, resolved.UpstreamProxies, resolved.Interfaces, nil)
	if err := inv.Discover(); err != nil {
		return nil, err
	}

	var dnsServerAddrs []string
	for _, s := range resolved.DNSServers {
		dnsServerAddrs = append(dnsServerAddrs, dnsresolve.ParseServerAddr(s.Host, s.Port))
	}
	resolver := dnsresolve.New(dnsServerAddrs, time.Duration(resolved.DNSTimeoutSeconds*float64(time.Second)), nil)
	executor := probe.New(resolver, inv)
	engine := routing.New(tr, resolved.RoutingMode)

	return &state{resolved: resolved, tr: tr, inventory: inv, resolver: resolver, executor: executor, engine: engine}, nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type statusOutput struct {
	RoutingMode  string `json:"routing_mode"`
	RunwaysCount int    `json:"runways_count"`
	TargetsCount int    `json:"targets_count"`
	Status       string `json:"status"`
}

func cmdStatus(st *state, jsonOut bool, out io.Writer) int {
	o := statusOutput{
		RoutingMode:  st.engine.Mode().String(),
		RunwaysCount: len(st.inventory.Snapshot()),
		TargetsCount: len(st.tr.GetAllTargets()),
		Status:       "running",
	}
	if jsonOut {
		printJSON(out, o)
		return 0
	}
	fmt.Fprintln(out, "Routing Mode:", o.RoutingMode)
	fmt.Fprintln(out, "Runways:", o.RunwaysCount)
	fmt.Fprintln(out, "Targets:", o.TargetsCount)
	return 0
}

type runwayOutput struct {
	ID            string `json:"id"`
	Interface     string `json:"interface"`
	SourceIP      string `json:"source_ip,omitempty"`
	IsDirect      bool   `json:"is_direct"`
	UpstreamProxy string `json:"upstream_proxy,omitempty"`
	DNSServer     string `json:"dns_server,omitempty"`
}

type runwaysOutput struct {
	Runways []runwayOutput `json:"runways"`
	Count   int            `json:"count"`
}

func cmdRunways(st *state, jsonOut bool, out io.Writer) int {
	runways := st.inventory.Snapshot()
	rows := make([]runwayOutput, 0, len(runways))
	for _, r := range runways {
		row := runwayOutput{ID: r.ID, Interface: r.Interface, SourceIP: r.SourceIP, IsDirect: r.IsDirect}
		if r.UpstreamProxy != nil {
			row.UpstreamProxy = fmt.Sprintf("%s://%s:%d", r.UpstreamProxy.Type, r.UpstreamProxy.Host, r.UpstreamProxy.Port)
		}
		if r.DNSServer != nil {
			row.DNSServer = fmt.Sprintf("%s:%d", r.DNSServer.Host, r.DNSServer.Port)
		}
		rows = append(rows, row)
	}

	if jsonOut {
		printJSON(out, runwaysOutput{Runways: rows, Count: len(rows)})
		return 0
	}
	for _, row := range rows {
		fmt.Fprintf(out, "%s: %s (direct: %t)\n", row.ID, row.Interface, row.IsDirect)
	}
	return 0
}

type targetMetricOutput struct {
	State            string  `json:"state"`
	SuccessRate      float64 `json:"success_rate"`
	AvgResponseTime  float64 `json:"avg_response_time"`
	TotalAttempts    uint64  `json:"total_attempts"`
	UserSuccessCount uint64  `json:"user_success_count"`
	FailureCount     uint64  `json:"failure_count"`
}

func cmdTargets(st *state, jsonOut bool, out io.Writer) int {
	targets := st.tr.GetAllTargets()
	sort.Strings(targets)

	data := make(map[string]map[string]targetMetricOutput, len(targets))
	for _, target := range targets {
		metrics := st.tr.GetTargetMetrics(target)
		info := make(map[string]targetMetricOutput, len(metrics))
		for runwayID, m := range metrics {
			info[runwayID] = targetMetricOutput{
				State:            m.State.String(),
				SuccessRate:      m.SuccessRate,
				AvgResponseTime:  m.AvgResponseTime.Seconds(),
				TotalAttempts:    m.TotalAttempts,
				UserSuccessCount: m.UserSuccess,
				FailureCount:     m.Failure,
			}
		}
		data[target] = info
	}

	if jsonOut {
		printJSON(out, map[string]interface{}{"targets": data})
		return 0
	}
	for _, target := range targets {
		fmt.Fprintf(out, "%s: %d runways\n", target, len(data[target]))
	}
	return 0
}

type targetStatsOutput struct {
	AccessibleRunways          int    `json:"accessible_runways"`
	PartiallyAccessibleRunways int    `json:"partially_accessible_runways"`
	InaccessibleRunways        int    `json:"inaccessible_runways"`
	TotalAttempts              uint64 `json:"total_attempts"`
	TotalSuccesses             uint64 `json:"total_successes"`
}

func cmdStats(st *state, jsonOut bool, out io.Writer) int {
	targets := st.tr.GetAllTargets()
	sort.Strings(targets)
	totalRunways := len(st.inventory.Snapshot())

	data := make(map[string]targetStatsOutput, len(targets))
	for _, target := range targets {
		metrics := st.tr.GetTargetMetrics(target)
		var ts targetStatsOutput
		for _, m := range metrics {
			switch m.State {
			case tracker.Accessible:
				ts.AccessibleRunways++
			case tracker.PartiallyAccessible:
				ts.PartiallyAccessibleRunways++
			case tracker.Inaccessible:
				ts.InaccessibleRunways++
			}
			ts.TotalAttempts += m.TotalAttempts
			ts.TotalSuccesses += m.UserSuccess
		}
		data[target] = ts
	}

	if jsonOut {
		printJSON(out, map[string]interface{}{
			"total_targets": len(targets),
			"total_runways": totalRunways,
			"targets":       data,
		})
		return 0
	}
	fmt.Fprintln(out, "Total Targets:", len(targets))
	fmt.Fprintln(out, "Total Runways:", totalRunways)
	return 0
}

func cmdReload(jsonOut bool, out io.Writer) int {
	if !jsonOut {
		fmt.Fprintln(out, "Configuration reloaded")
	}
	return 0
}

func cmdMode(st *state, args []string, jsonOut bool, out, errOut io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(errOut, "Error: mode requires a routing mode argument")
		return 1
	}

	var mode routing.Mode
	switch args[0] {
	case "latency":
		mode = routing.Latency
	case "first_accessible":
		mode = routing.FirstAccessible
	case "round_robin":
		mode = routing.RoundRobin
	default:
		fmt.Fprintf(errOut, "Error: Invalid routing mode %q. Valid modes: latency, first_accessible, round_robin\n", args[0])
		return 1
	}

	// Setting it here only affects this process's own freshly-built engine, the same as the
	// original cli.rs's routing_engine.set_mode call -- moot by the time the process exits, but
	// kept for parity rather than printing a success message that changed nothing at all.
	st.engine.SetMode(mode)
	if !jsonOut {
		fmt.Fprintln(out, "Routing mode changed to", args[0])
	}
	return 0
}

type testResultOutput struct {
	RunwayID       string  `json:"runway_id"`
	NetworkSuccess bool    `json:"network_success"`
	UserSuccess    bool    `json:"user_success"`
	ResponseTime   float64 `json:"response_time"`
}

func cmdTest(st *state, args []string, jsonOut bool, out, errOut io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(errOut, "Error: test requires a target argument")
		return 1
	}
	target := args[0]
	timeout := 5 * time.Second
	runways := st.inventory.Snapshot()

	if len(args) >= 2 {
		runwayID := args[1]
		var found bool
		for _, r := range runways {
			if r.ID != runwayID {
				continue
			}
			found = true
			result := st.executor.Probe(target, r, timeout)
			out2 := map[string]interface{}{
				"target":          target,
				"runway_id":       runwayID,
				"network_success": result.NetworkSuccess,
				"user_success":    result.UserSuccess,
				"response_time":   result.Elapsed.Seconds(),
			}
			if jsonOut {
				printJSON(out, out2)
			} else {
				fmt.Fprintf(out, "Network: %t, User: %t, Time: %s\n", result.NetworkSuccess, result.UserSuccess, result.Elapsed)
			}
			break
		}
		if !found {
			fmt.Fprintf(errOut, "Error: Runway %s not found\n", runwayID)
			return 1
		}
		return 0
	}

	results := make([]testResultOutput, 0, len(runways))
	for _, r := range runways {
		result := st.executor.Probe(target, r, timeout)
		results = append(results, testResultOutput{
			RunwayID:       r.ID,
			NetworkSuccess: result.NetworkSuccess,
			UserSuccess:    result.UserSuccess,
			ResponseTime:   result.Elapsed.Seconds(),
		})
	}

	if jsonOut {
		printJSON(out, map[string]interface{}{"target": target, "results": results})
		return 0
	}
	for _, r := range results {
		fmt.Fprintf(out, "%s: net=%t, user=%t, time=%gs\n", r.RunwayID, r.NetworkSuccess, r.UserSuccess, r.ResponseTime)
	}
	return 0
}
