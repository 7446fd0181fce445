/*
Package client provides a Go client library for the gantry HTTP API.

The client wraps the REST surface served by pkg/api with typed
methods, so CLI commands and embedding programs never build requests
or decode envelopes by hand. Every method maps to exactly one route
and returns the same types the engine itself returns.

# Architecture

	┌───────────────── APPLICATION CODE ─────────────────┐
	│                                                     │
	│  import "github.com/gantrykit/gantry/pkg/client"    │
	│                                                     │
	│  cli := client.NewClient("http://127.0.0.1:8080")   │
	│  id, err := cli.Submit(api.SubmitRequest{...})      │
	│                                                     │
	└──────────────────────┬──────────────────────────────┘
	                       │
	┌──────────────────────▼── pkg/client ────────────────┐
	│                                                     │
	│  Client                                             │
	│  - one method per route                             │
	│  - JSON encode/decode                               │
	│  - error envelope -> *types.Error                   │
	│                                                     │
	└──────────────────────┬──────────────────────────────┘
	                       │ HTTP/JSON
	                       ▼
	                 gantry daemon (pkg/api)

# Core Components

Client: a thin wrapper over net/http with a 30 second request
timeout. Construction never dials; the first call does. Base URLs
without a scheme are treated as http.

Error decoding: non-2xx responses carry the server's error envelope.
The client rebuilds a *types.Error from it, preserving the stable
code and dependency path, so callers branch with types.CodeOf exactly
as embedded callers of pkg/engine do:

	_, err := cli.Task(id)
	if types.CodeOf(err) == types.CodeTaskNotFound {
	    // handle missing task
	}

# Usage

	cli := client.NewClient(addr)

	id, err := cli.Submit(api.SubmitRequest{
	    Title:    "build artifacts",
	    Executor: "shell",
	    Params:   map[string]interface{}{"command": "make"},
	})
	if err != nil {
	    return err
	}

	task, err := cli.Task(id)
	...

	snaps, err := cli.Snapshots()
	...

# Integration Points

  - pkg/api: request and response DTOs shared with the server
  - pkg/types: domain types and stable error codes
  - cmd/gantry: all operator subcommands are built on this client

The client is synchronous and safe for concurrent use; the underlying
http.Client pools connections.
*/
package client
