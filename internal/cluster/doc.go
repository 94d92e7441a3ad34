// Package cluster holds the types shared by every part of failsafe: store
// roles, failover systems, watcher observations, master pointers and the JSON
// frames exchanged between configuration clients and the configuration server.
//
// # Overview
//
// A failsafe deployment consists of one configuration server, one configuration
// client per consumer host, and one or more systems of redis nodes:
//
//	            ┌──────────────────────┐
//	            │ Configuration Server │
//	            │  - probes nodes      │
//	            │  - counts votes      │
//	            │  - writes master file│
//	            └──────────┬───────────┘
//	                       │ websocket /configuration
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│ client a  │    │ client b  │    │ client c  │
//	│ masterfile│    │ masterfile│    │ masterfile│
//	└───────────┘    └───────────┘    └───────────┘
//
// # Channel Protocol
//
// Every frame is a MsgBody. The server sends ping, invalidate and reconfigure;
// clients send client_started, heartbeat, pong and client_invalidated. Tokens
// are decimal integers that increase with every voting round, so a client can
// reject frames belonging to an older round.
//
// # Roles
//
// Role is a closed set: RoleUnknown before the first probe, RoleMaster,
// RoleSlave, and RoleUnreachable once a probe has failed after its retries.
package cluster
