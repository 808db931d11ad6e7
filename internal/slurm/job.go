// Package slurm reads job and cluster state from a SLURM head node over SSH.
package slurm

import (
	"fmt"
	"strconv"
	"strings"
)

// JobState is the SLURM job state as reported by squeue %T
type JobState string

const (
	StateRunning    JobState = "RUNNING"
	StatePending    JobState = "PENDING"
	StateCompleted  JobState = "COMPLETED"
	StateCancelled  JobState = "CANCELLED"
	StateFailed     JobState = "FAILED"
	StateTimeout    JobState = "TIMEOUT"
	StateSuspended  JobState = "SUSPENDED"
	StateCompleting JobState = "COMPLETING"
)

// Job is one scheduled compute job. The service port is carried in the job
// comment (set by the submission layer as "port=<n>"), since SLURM itself
// has no notion of an application port.
type Job struct {
	ID    string
	Name  string
	User  string
	State JobState
	Node  string // first allocated node, empty until the job starts
	Port  int    // service port on the node, 0 if not advertised
}

// Tunnelable reports whether the job can back a tunnel: it must be running
// with a node assigned and a service port advertised.
func (j Job) Tunnelable() bool {
	return j.State == StateRunning && j.Node != "" && j.Port > 0
}

// squeueJobFormat is the squeue -o format for single-job lookups.
// Fields: id | name | user | state | nodelist | comment
const squeueJobFormat = "%i|%j|%u|%T|%N|%k"

// ParseJobLine parses one line of `squeue -h -o "%i|%j|%u|%T|%N|%k"` output
func ParseJobLine(line string) (Job, error) {
	fields := strings.Split(strings.TrimSpace(line), "|")
	if len(fields) < 5 {
		return Job{}, fmt.Errorf("malformed squeue line %q", line)
	}

	job := Job{
		ID:    strings.TrimSpace(fields[0]),
		Name:  strings.TrimSpace(fields[1]),
		User:  strings.TrimSpace(fields[2]),
		State: JobState(strings.TrimSpace(fields[3])),
		Node:  firstNode(strings.TrimSpace(fields[4])),
	}
	if job.ID == "" {
		return Job{}, fmt.Errorf("squeue line missing job id: %q", line)
	}
	if len(fields) >= 6 {
		job.Port = parsePortComment(strings.TrimSpace(fields[5]))
	}
	return job, nil
}

// firstNode extracts the first hostname from a SLURM nodelist. Compressed
// ranges like "cn[03-07]" expand to their first member; "(null)" and empty
// lists mean no allocation yet.
func firstNode(nodelist string) string {
	if nodelist == "" || nodelist == "(null)" {
		return ""
	}

	// Take everything up to the first comma that is not inside brackets
	depth := 0
	end := len(nodelist)
	for i, c := range nodelist {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				end = i
			}
		}
		if end != len(nodelist) {
			break
		}
	}
	node := nodelist[:end]

	open := strings.Index(node, "[")
	if open < 0 {
		return node
	}
	close := strings.Index(node, "]")
	if close < open {
		return node
	}

	prefix := node[:open]
	rangeSpec := node[open+1 : close]
	first := rangeSpec
	if i := strings.IndexAny(rangeSpec, ",-"); i >= 0 {
		first = rangeSpec[:i]
	}
	return prefix + first
}

// parsePortComment extracts the advertised service port from a job comment.
// Accepts "port=8888", "PORT=8888" or a bare port number.
func parsePortComment(comment string) int {
	if comment == "" || comment == "(null)" {
		return 0
	}
	for _, part := range strings.Split(comment, ",") {
		part = strings.TrimSpace(part)
		if i := strings.Index(part, "="); i >= 0 {
			if !strings.EqualFold(part[:i], "port") {
				continue
			}
			part = part[i+1:]
		}
		port, err := strconv.Atoi(part)
		if err == nil && port > 0 && port <= 65535 {
			return port
		}
	}
	return 0
}

// ClusterStats is one snapshot of cluster-wide scheduler state
type ClusterStats struct {
	NodesTotal  int
	NodesAlloc  int
	NodesIdle   int
	NodesDown   int
	JobsRunning int
	JobsPending int
}

// ParseSinfo parses `sinfo -h -o "%D|%T"` output: one line per node state
// group, e.g. "12|idle" or "3|down*". Suffix characters (* ~ # etc.) mark
// node flags and are ignored for classification.
func ParseSinfo(out string, stats *ClusterStats) error {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 2 {
			return fmt.Errorf("malformed sinfo line %q", line)
		}
		count, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return fmt.Errorf("malformed sinfo count in %q: %w", line, err)
		}

		state := strings.ToLower(strings.TrimRight(strings.TrimSpace(fields[1]), "*~#!%$@^-"))
		stats.NodesTotal += count
		switch {
		case strings.HasPrefix(state, "alloc"), strings.HasPrefix(state, "mix"):
			stats.NodesAlloc += count
		case strings.HasPrefix(state, "idle"):
			stats.NodesIdle += count
		case strings.HasPrefix(state, "down"), strings.HasPrefix(state, "drain"),
			strings.HasPrefix(state, "fail"), strings.HasPrefix(state, "maint"):
			stats.NodesDown += count
		}
	}
	return nil
}

// ParseSqueueStates parses `squeue -h -o "%T"` output, one job state per line
func ParseSqueueStates(out string, stats *ClusterStats) {
	for _, line := range strings.Split(out, "\n") {
		switch JobState(strings.TrimSpace(line)) {
		case StateRunning, StateCompleting:
			stats.JobsRunning++
		case StatePending:
			stats.JobsPending++
		}
	}
}
