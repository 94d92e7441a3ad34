package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultSystem is the name used for a failover set configured without a name.
const DefaultSystem = "system"

// Role is the observed replication role of a store node.
type Role int

const (
	// RoleUnknown means the node has not been probed yet.
	RoleUnknown Role = iota
	// RoleMaster means the node accepts writes.
	RoleMaster
	// RoleSlave means the node replicates from a master.
	RoleSlave
	// RoleUnreachable means the last probe failed.
	RoleUnreachable
)

// String returns the role name used in logs and status output.
func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	case RoleUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ParseRole maps the role field of a redis INFO reply to a Role.
func ParseRole(s string) Role {
	switch strings.TrimSpace(s) {
	case "master":
		return RoleMaster
	case "slave", "replica":
		return RoleSlave
	default:
		return RoleUnknown
	}
}

// System is a named set of store nodes monitored as a unit. Nodes keep their
// configured order, which is also the order in which slaves are considered for
// promotion.
type System struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
}

// Observation is a single watcher's report about the current master of a system.
type Observation struct {
	Timestamp           time.Time `json:"timestamp"`
	WatcherID           string    `json:"watcher_id"`
	System              string    `json:"system"`
	Node                string    `json:"node"`
	Token               string    `json:"token"`
	ObservedUnreachable bool      `json:"observed_unreachable"`
}

// MasterPointer is the published master address for one system.
type MasterPointer struct {
	System string `json:"system"`
	Addr   string `json:"addr"`
}

// Message names exchanged over the configuration channel.
const (
	// sent by the server
	MsgPing        = "ping"
	MsgInvalidate  = "invalidate"
	MsgReconfigure = "reconfigure"
	// sent by clients
	MsgClientStarted     = "client_started"
	MsgPong              = "pong"
	MsgClientInvalidated = "client_invalidated"
	MsgHeartbeat         = "heartbeat"
)

// MsgBody is the JSON frame sent between configuration clients and the server.
type MsgBody struct {
	System string `json:"system,omitempty"`
	Name   string `json:"name"`
	ID     string `json:"id,omitempty"`
	Token  string `json:"token,omitempty"`
	Server string `json:"server,omitempty"`
}

// SplitAddr splits a host:port store address.
func SplitAddr(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid store address %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid port in store address %q", addr)
	}
	return host, p, nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Post sends an empty POST request and returns the response status code.
func Post(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
