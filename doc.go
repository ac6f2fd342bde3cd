// Package agentfs is a durable session store for tool-using AI agents.
//
// A session is an ordered sequence of records - user and assistant turns,
// tool requests and their results - persisted one write at a time so a
// crash never loses an acknowledged append. Loading a session repairs any
// invariant damage left behind by partial failures (orphaned tool
// requests, consecutive same-speaker turns), and once the conversation
// outgrows its size threshold the older part is replaced by a generated
// summary while the recent tail is kept verbatim.
//
// # Quick Start
//
//	store, err := storage.NewFSStore(filepath.Join(home, ".agentfs", "sessions"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := anthropic.NewClient()
//	agent, err := agentfs.New(agentfs.Config{
//	    Client: &client,
//	    Store:  store,
//	    Model:  "claude-sonnet-4-5-20250929",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := agent.Open(ctx, "my-project")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	response, err := agent.RunTurn(ctx, session, "What did we decide yesterday?")
//
// # Storage Backends
//
// Three storage.Store implementations ship with the module: a filesystem
// backend (one JSON file per record, independently inspectable), a SQLite
// backend (single database file, transactional rewrites), and a
// PostgreSQL backend for deployments where sessions outlive one machine.
// All three enforce single-writer access per session and fail fast with
// storage.ErrSessionBusy.
//
// # Tools
//
// Tools implement the tool.Tool interface and are registered with
// agentfs.WithTools. Tool outputs are truncated at a configurable byte
// budget before being stored.
package agentfs
