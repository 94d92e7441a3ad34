// Package coordinator implements the redis configuration server: it watches
// the master of every configured redis system, asks the configuration clients
// to confirm an outage, promotes a slave and publishes the new master.
//
// # Overview
//
// The configuration server is the only component allowed to change which
// redis node is master. Clients never pick a master on their own; they write
// what the server announces to their local master file.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│         CONFIGURATION SERVER          │
//	├──────────────────────────────────────┤
//	│                                      │
//	│  ┌────────────────────────────────┐  │
//	│  │   HealthMonitor                │  │
//	│  │   - INFO replication probes    │  │
//	│  │   - per node health records    │  │
//	│  └────────────────────────────────┘  │
//	│                                      │
//	│  ┌────────────────────────────────┐  │
//	│  │   FailoverDecider (per system) │  │
//	│  │   - Stable/Suspect/Switching   │  │
//	│  │   - ping and invalidate rounds │  │
//	│  └────────────────────────────────┘  │
//	│                                      │
//	│  ┌────────────────────────────────┐  │
//	│  │   MasterRegistry               │  │
//	│  │   - system → master            │  │
//	│  │   - atomic master file writes  │  │
//	│  └────────────────────────────────┘  │
//	│                                      │
//	│  ┌────────────────────────────────┐  │
//	│  │   Hub / WatcherRegistry        │  │
//	│  │   - client websocket channel   │  │
//	│  │   - notification subscribers   │  │
//	│  └────────────────────────────────┘  │
//	│                                      │
//	└──────────────────────────────────────┘
//
// # Failover Procedure
//
// Every MasterRetryInterval the server probes all nodes of a system. After
// MasterRetries failed probes of the master in a row it notifies operators
// and starts a vote:
//
//  1. ping with a fresh token; configured clients answer pong
//  2. once enough clients answered, invalidate with a fresh token; clients
//     clear their master file entry, probe the master themselves and answer
//     client_invalidated if they cannot reach it either
//  3. once enough clients confirmed, the first slave of the failed master in
//     configured order is promoted and announced with reconfigure
//
// "Enough" means votes*100 >= confidence*watchers. Each round lasts at most
// ClientTimeout; a round that runs out cancels the vote. Without configured
// clients or at confidence 0 the server switches right after the retries.
//
// When no slave can take over, operators are notified and the old master
// stays recorded. The next failed checks try again; the same notification
// is repeated at most once per NotifyInterval. A switch decided by a watcher
// vote probes the nodes again before the new master is chosen.
//
// A master file that cannot be written does not stop a switch: the new
// master is served from memory and the file is rewritten on every tick
// until the write succeeds.
//
// # Concurrency
//
// Probes run without holding the server lock. Decisions, votes and master
// changes are serialized by Server.mu. Status reads a copy published each
// time Server.mu is released. Websocket sends are queued per connection and
// never block the caller.
//
// # Usage Example
//
//	srv, err := coordinator.NewServer(coordinator.Options{
//	    Systems:  cfg.Systems(),
//	    Watchers: cfg.ClientIDList(),
//	    Dialer:   node.NewRedisDialer(node.Options{Logger: logger}),
//	    MasterFile: masterfile.New(cfg.RedisMasterFile),
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := srv.Initialize(ctx); err != nil {
//	    return err
//	}
//	go srv.Run(ctx)
package coordinator
